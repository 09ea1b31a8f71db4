package service

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/common/storage"
	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

type fakeDB struct {
	mu sync.Mutex
}

func (f *fakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	return nil, appErr.New(appErr.DatabaseError)
}

func (f *fakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}

func (f *fakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	return nil, appErr.New(appErr.DatabaseError)
}

// Transaction serializes callers, which is what row locks give the applier.
func (f *fakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(&fakeTx{fakeDB: f})
}

func (f *fakeDB) Ping(ctx context.Context) error { return nil }
func (f *fakeDB) Close() error                   { return nil }

type fakeTx struct {
	*fakeDB
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeSubmissions struct {
	mu        sync.Mutex
	nextID    int64
	rows      map[int64]*model.Submission
	saves     int
	gets      int
	getErrs   []error
	createErr error
}

func newFakeSubmissions(rows ...*model.Submission) *fakeSubmissions {
	f := &fakeSubmissions{rows: make(map[int64]*model.Submission)}
	for _, s := range rows {
		cp := *s
		f.rows[s.ID] = &cp
		if s.ID > f.nextID {
			f.nextID = s.ID
		}
	}
	return f
}

func (f *fakeSubmissions) Create(ctx context.Context, tx db.Transaction, s *model.Submission) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	cp := *s
	cp.ID = f.nextID
	f.rows[cp.ID] = &cp
	return cp.ID, nil
}

// Get fails with the queued getErrs first; GetForUpdate never does.
func (f *fakeSubmissions) Get(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	f.mu.Lock()
	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.GetForUpdate(ctx, tx, id)
}

func (f *fakeSubmissions) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubmissions) SaveJudgeState(ctx context.Context, tx db.Transaction, s *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.ID] = &cp
	f.saves++
	return nil
}

func (f *fakeSubmissions) ExistsCode(ctx context.Context, authorID, contestID, problemID int64, codeHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.AuthorID == authorID && s.ContestID == contestID && s.ProblemID == problemID && s.CodeHash == codeHash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSubmissions) list(match func(s *model.Submission) bool) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, s := range f.rows {
		if match(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeSubmissions) ListIDsByProblem(ctx context.Context, problemID int64) ([]int64, error) {
	return f.list(func(s *model.Submission) bool { return s.ProblemID == problemID }), nil
}

func (f *fakeSubmissions) ListIDsByContest(ctx context.Context, contestID int64) ([]int64, error) {
	return f.list(func(s *model.Submission) bool { return s.ContestID == contestID }), nil
}

func (f *fakeSubmissions) ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]int64, error) {
	ids := f.list(func(s *model.Submission) bool {
		ref := s.CreatedAt
		if s.JudgeStartAt != nil {
			ref = *s.JudgeStartAt
		}
		return s.StatusPrivate == status && ref.Before(cutoff)
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f *fakeSubmissions) row(id int64) model.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.rows[id]
}

type fakeProblems struct {
	mu       sync.Mutex
	problems map[int64]*model.Problem
	programs map[string]*model.SpecialProgram
	accepts  map[int64]int
}

func newFakeProblems(problems ...*model.Problem) *fakeProblems {
	f := &fakeProblems{
		problems: make(map[int64]*model.Problem),
		programs: make(map[string]*model.SpecialProgram),
		accepts:  make(map[int64]int),
	}
	for _, p := range problems {
		f.problems[p.ID] = p
	}
	return f
}

func (f *fakeProblems) Get(ctx context.Context, id int64) (*model.Problem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.problems[id]
	if !ok {
		return nil, appErr.New(appErr.ProblemNotFound)
	}
	return p, nil
}

func (f *fakeProblems) GetSpecialProgram(ctx context.Context, fingerprint string) (*model.SpecialProgram, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.programs[fingerprint]
	if !ok {
		return nil, appErr.New(appErr.TestDataMissing)
	}
	return p, nil
}

func (f *fakeProblems) AddAcceptCount(ctx context.Context, tx db.Transaction, id int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts[id] += delta
	return nil
}

func (f *fakeProblems) Invalidate(ctx context.Context, id int64) error { return nil }

func (f *fakeProblems) acceptCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepts[id]
}

type fakeContests struct {
	mu           sync.Mutex
	contests     map[int64]*model.Contest
	problems     map[int64][]int64
	problemAC    map[[2]int64]int
	participants map[[2]int64]int
}

func newFakeContests(contests ...*model.Contest) *fakeContests {
	f := &fakeContests{
		contests:     make(map[int64]*model.Contest),
		problems:     make(map[int64][]int64),
		problemAC:    make(map[[2]int64]int),
		participants: make(map[[2]int64]int),
	}
	for _, c := range contests {
		f.contests[c.ID] = c
	}
	return f
}

func (f *fakeContests) Get(ctx context.Context, id int64) (*model.Contest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contests[id]
	if !ok {
		return nil, appErr.New(appErr.ContestNotFound)
	}
	return c, nil
}

func (f *fakeContests) HasProblem(ctx context.Context, contestID, problemID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.problems[contestID] {
		if id == problemID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeContests) AddProblemAccept(ctx context.Context, tx db.Transaction, contestID, problemID int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.problemAC[[2]int64{contestID, problemID}] += delta
	return nil
}

func (f *fakeContests) AddParticipantAccept(ctx context.Context, tx db.Transaction, contestID, userID int64, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[[2]int64{contestID, userID}] += delta
	return nil
}

type fakeNodes struct {
	mu      sync.Mutex
	nodes   []*model.Node
	tokens  map[int64]string
	version map[int64]string
	synced  int
}

func newFakeNodes(nodes ...*model.Node) *fakeNodes {
	return &fakeNodes{nodes: nodes, tokens: map[int64]string{}, version: map[int64]string{}}
}

func (f *fakeNodes) SelectLeastRecentlyUsed(ctx context.Context, now time.Time) (*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var picked *model.Node
	for _, n := range f.nodes {
		if !n.Enabled {
			continue
		}
		if picked == nil || n.LastSeenAt.Before(picked.LastSeenAt) {
			picked = n
		}
	}
	if picked == nil {
		return nil, appErr.New(appErr.NoNodeAvailable)
	}
	picked.LastSeenAt = now
	cp := *picked
	return &cp, nil
}

func (f *fakeNodes) Capacity(ctx context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes, slots := 0, 0
	for _, n := range f.nodes {
		if n.Enabled {
			nodes++
			slots += n.Concurrency
		}
	}
	return nodes, slots, nil
}

func (f *fakeNodes) List(ctx context.Context) ([]*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.Node(nil), f.nodes...), nil
}

func (f *fakeNodes) Get(ctx context.Context, id int64) (*model.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.ID == id {
			cp := *n
			return &cp, nil
		}
	}
	return nil, appErr.New(appErr.NodeNotFound)
}

func (f *fakeNodes) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.ID == id {
			n.Enabled = enabled
			return nil
		}
	}
	return appErr.New(appErr.NodeNotFound)
}

func (f *fakeNodes) UpdateToken(ctx context.Context, id int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[id] = token
	return nil
}

func (f *fakeNodes) UpdateHealth(ctx context.Context, id int64, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version[id] = version
	return nil
}

func (f *fakeNodes) TouchSynced(ctx context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

type fakeSelector struct {
	mu       sync.Mutex
	node     *model.Node
	err      error
	acquires int
}

func (f *fakeSelector) Acquire(ctx context.Context) (*Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.err != nil {
		return nil, f.err
	}
	return &Assignment{Node: f.node}, nil
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSyncer) EnsureSynced(ctx context.Context, node *model.Node, problem *model.Problem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeJudge struct {
	mu       sync.Mutex
	calls    int
	requests []*judgeclient.Request
	dispatch func(n int, req *judgeclient.Request, handler judgeclient.Handler) (*judgeclient.Reply, error)
}

func (f *fakeJudge) Dispatch(ctx context.Context, node *model.Node, req *judgeclient.Request, handler judgeclient.Handler) (*judgeclient.Reply, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.dispatch(n, req, handler)
}

func (f *fakeJudge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.StatusEvent
}

func (p *recordingPublisher) PublishFinalStatus(ctx context.Context, event model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingStandings struct {
	calls chan [3]int64
}

func (r *recordingStandings) Invalidate(ctx context.Context, contestID, userID, problemID int64) error {
	r.calls <- [3]int64{contestID, userID, problemID}
	return nil
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	sizes   map[string]int64 // stat size overrides
	gets    int
}

func (m *memoryStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, storage.ErrObjectNotFound
	}
	if size, ok := m.sizes[bucket+"/"+key]; ok {
		return storage.ObjectStat{SizeBytes: size}, nil
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

type recordingUploader struct {
	mu       sync.Mutex
	packages map[int64][]byte
	programs []model.SpecialProgram
	err      error
}

func (u *recordingUploader) Upload(ctx context.Context, node *model.Node, problemID int64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	if u.packages == nil {
		u.packages = make(map[int64][]byte)
	}
	u.packages[problemID] = data
	return nil
}

func (u *recordingUploader) UploadSpecialProgram(ctx context.Context, node *model.Node, program *model.SpecialProgram) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.programs = append(u.programs, *program)
	return nil
}

type memorySyncStatus struct {
	mu      sync.Mutex
	entries map[[2]int64]*model.SyncStatus
	upserts int
}

func (m *memorySyncStatus) Get(ctx context.Context, nodeID, problemID int64) (*model.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.entries[[2]int64{nodeID, problemID}]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memorySyncStatus) Upsert(ctx context.Context, status *model.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[[2]int64]*model.SyncStatus)
	}
	cp := *status
	m.entries[[2]int64{status.NodeID, status.ProblemID}] = &cp
	m.upserts++
	return nil
}

// recordingSubmitter stands in for the dispatcher in ingestion, rejudge and sweep tests.
type recordingSubmitter struct {
	mu       sync.Mutex
	enqueued []int64
	contest  []int64
	err      error
}

func (r *recordingSubmitter) Enqueue(id int64, opts ...EnqueueOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.enqueued = append(r.enqueued, id)
	return nil
}

func (r *recordingSubmitter) JudgeOnContest(ctx context.Context, s *model.Submission, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.contest = append(r.contest, s.ID)
	return nil
}

func (r *recordingSubmitter) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int64(nil), r.enqueued...)
	out = append(out, r.contest...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
