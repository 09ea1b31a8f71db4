package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	rc, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return rc, mr
}

func newIngestFixture(t *testing.T, cfg IngestConfig) (*SubmissionService, *fakeSubmissions, *recordingSubmitter, *miniredis.Miniredis) {
	t.Helper()
	submissions := newFakeSubmissions()
	problems := newFakeProblems(&model.Problem{ID: 7, CaseList: []string{"1"}})
	contests := newFakeContests(&model.Contest{ID: 3, CaseSubset: model.CaseSubsetAll, AllowedLangs: []string{"cpp"}})
	contests.problems[3] = []int64{7}
	rc, mr := newMiniCache(t)
	submitter := &recordingSubmitter{}
	svc, err := NewSubmissionService(submissions, problems, contests, rc, submitter, cfg)
	if err != nil {
		t.Fatalf("new submission service: %v", err)
	}
	return svc, submissions, submitter, mr
}

func TestCreateSubmissionValidation(t *testing.T) {
	svc, submissions, submitter, _ := newIngestFixture(t, IngestConfig{Languages: []string{"cpp", "java", "python"}, SubmitInterval: -1})
	ctx := context.Background()
	valid := "int main() { return 0; }"

	cases := []struct {
		name string
		in   SubmitInput
		code appErr.ErrorCode
	}{
		{name: "unknown language", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cobol", Code: valid}, code: appErr.LanguageNotSupported},
		{name: "too short", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: "x"}, code: appErr.CodeTooShort},
		{name: "too large", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: strings.Repeat("a", 65537)}, code: appErr.CodeTooLarge},
		{name: "blank", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: "          "}, code: appErr.RequiredFieldEmpty},
		{name: "invalid utf8", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: "int main\xff\xfe"}, code: appErr.InvalidFormat},
		{name: "java without main", in: SubmitInput{ProblemID: 7, AuthorID: 1, Language: "java", Code: "public class Solution {}"}, code: appErr.InvalidValue},
		{name: "unknown problem", in: SubmitInput{ProblemID: 8, AuthorID: 1, Language: "cpp", Code: valid}, code: appErr.ProblemNotFound},
		{name: "contest language", in: SubmitInput{ProblemID: 7, AuthorID: 1, ContestID: 3, Language: "python", Code: valid}, code: appErr.LanguageNotSupported},
		{name: "unknown contest", in: SubmitInput{ProblemID: 7, AuthorID: 1, ContestID: 9, Language: "cpp", Code: valid}, code: appErr.ContestNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateSubmission(ctx, tc.in); !appErr.Is(err, tc.code) {
				t.Fatalf("expected code %d, got %v", tc.code, err)
			}
		})
	}
	if len(submissions.rows) != 0 || len(submitter.ids()) != 0 {
		t.Fatalf("rejected submissions must not be stored or dispatched")
	}

	s, err := svc.CreateSubmission(ctx, SubmitInput{ProblemID: 7, AuthorID: 1, Language: "Java", Code: "public class Main { }"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != model.StatusWaiting || s.Language != "java" || s.CodeHash == "" {
		t.Fatalf("unexpected submission %+v", s)
	}
	if ids := submitter.enqueued; len(ids) != 1 || ids[0] != s.ID {
		t.Fatalf("expected enqueue of %d, got %v", s.ID, ids)
	}
}

func TestCreateContestSubmissionRejectsDuplicates(t *testing.T) {
	svc, _, submitter, _ := newIngestFixture(t, IngestConfig{SubmitInterval: -1})
	ctx := context.Background()
	in := SubmitInput{ProblemID: 7, AuthorID: 1, ContestID: 3, Language: "cpp", Code: "int main() { return 0; }"}

	if _, err := svc.CreateSubmission(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(submitter.contest) != 1 {
		t.Fatalf("contest submission should go through JudgeOnContest")
	}
	if _, err := svc.CreateSubmission(ctx, in); !appErr.Is(err, appErr.DuplicateSubmission) {
		t.Fatalf("expected duplicate submission, got %v", err)
	}
}

func TestCreateSubmissionEnforcesInterval(t *testing.T) {
	svc, _, _, mr := newIngestFixture(t, IngestConfig{SubmitInterval: 5 * time.Second})
	ctx := context.Background()
	in := SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: "int main() { return 0; }"}

	if _, err := svc.CreateSubmission(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateSubmission(ctx, in); !appErr.Is(err, appErr.SubmitTooFrequently) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	mr.FastForward(6 * time.Second)
	if _, err := svc.CreateSubmission(ctx, in); err != nil {
		t.Fatalf("create after interval: %v", err)
	}

	// an unreachable limiter does not block submissions
	mr.Close()
	in.AuthorID = 2
	if _, err := svc.CreateSubmission(ctx, in); err != nil {
		t.Fatalf("create with limiter down: %v", err)
	}
}

func TestCreateSubmissionFailureReleasesInterval(t *testing.T) {
	svc, submissions, submitter, _ := newIngestFixture(t, IngestConfig{SubmitInterval: time.Minute})
	ctx := context.Background()
	in := SubmitInput{ProblemID: 7, AuthorID: 1, Language: "cpp", Code: "int main() { return 0; }"}

	submissions.createErr = appErr.New(appErr.DatabaseError)
	if _, err := svc.CreateSubmission(ctx, in); !appErr.Is(err, appErr.DatabaseError) {
		t.Fatalf("expected database error, got %v", err)
	}
	submissions.createErr = nil
	if _, err := svc.CreateSubmission(ctx, in); err != nil {
		t.Fatalf("retry after a failed insert should not be throttled: %v", err)
	}
	if _, err := svc.CreateSubmission(ctx, in); !appErr.Is(err, appErr.SubmitTooFrequently) {
		t.Fatalf("expected rate limit after a stored submission, got %v", err)
	}
	if len(submitter.ids()) != 1 {
		t.Fatalf("expected one dispatched submission, got %v", submitter.ids())
	}
}
