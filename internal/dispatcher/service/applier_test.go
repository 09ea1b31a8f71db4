package service

import (
	"context"
	"testing"

	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/model"
)

func startAttempt(t *testing.T, h *dispatchHarness, id int64) Attempt {
	t.Helper()
	ctx := context.Background()
	problem, err := h.problems.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get problem: %v", err)
	}
	startedAt, err := h.applier.MarkJudging(ctx, id, 1)
	if err != nil {
		t.Fatalf("mark judging: %v", err)
	}
	return Attempt{SubmissionID: id, NodeID: 1, Number: 1, StartedAt: startedAt, Problem: problem, Cases: problem.CaseList}
}

func TestApplyTwiceMovesCountersOnce(t *testing.T) {
	contest := &model.Contest{ID: 4, CaseSubset: model.CaseSubsetAll}
	s := waitingSubmission(1)
	s.ContestID = 4
	h := newDispatchHarness(t, []*model.Submission{s}, contest)
	att := startAttempt(t, h, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.applier.Apply(ctx, att, acceptedReply(4)); err != nil {
			t.Fatalf("apply %d: %v", i+1, err)
		}
	}

	if got := h.problems.acceptCount(7); got != 1 {
		t.Fatalf("expected problem accept count 1, got %d", got)
	}
	if got := h.contests.problemAC[[2]int64{4, 7}]; got != 1 {
		t.Fatalf("expected contest problem accept count 1, got %d", got)
	}
	if got := h.contests.participants[[2]int64{4, 100}]; got != 1 {
		t.Fatalf("expected participant accept count 1, got %d", got)
	}
}

func TestHiddenContestUpdatesCarryNoResult(t *testing.T) {
	contest := &model.Contest{ID: 4, CaseSubset: model.CaseSubsetAll, HideVerdicts: true}
	s := waitingSubmission(1)
	s.ContestID = 4
	h := newDispatchHarness(t, []*model.Submission{s}, contest)
	sub, cancel := h.hub.Subscribe(1)
	defer cancel()
	ctx := context.Background()

	att := startAttempt(t, h, 1)
	partial := &judgeclient.Reply{
		Status:  judgeclient.ReplyReceived,
		Verdict: model.StatusJudging,
		Details: []judgeclient.CaseReply{{Verdict: model.StatusAccepted, Time: 0.5, Memory: 16}},
	}
	if err := h.applier.ApplyPartial(ctx, att, partial); err != nil {
		t.Fatalf("apply partial: %v", err)
	}
	wrong := acceptedReply(4)
	wrong.Verdict = model.StatusWrongAnswer
	wrong.Message = "line 3 differs"
	if _, err := h.applier.Apply(ctx, att, wrong); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var updates []model.SubmissionUpdate
	for len(sub) > 0 {
		updates = append(updates, <-sub)
	}
	if len(updates) != 3 {
		t.Fatalf("expected judging, partial and final updates, got %d", len(updates))
	}
	for _, u := range updates {
		if u.Details != nil || u.Percent != 0 || u.Time != 0 || u.Memory != 0 || u.Message != "" {
			t.Fatalf("hidden contest update leaked judge output: %+v", u)
		}
	}
	if last := updates[2]; !last.Final || last.Status != model.StatusSubmitted {
		t.Fatalf("unexpected final update %+v", last)
	}

	stored := h.submissions.row(1)
	if stored.StatusPrivate != model.StatusWrongAnswer || stored.StatusPercent == 0 || len(stored.Details) != 4 {
		t.Fatalf("private result must still be stored: %+v", stored)
	}
	if events := h.publisher.events; len(events) != 1 || events[0].Percent != 0 || events[0].Status != model.StatusSubmitted {
		t.Fatalf("unexpected final events %+v", events)
	}
}
