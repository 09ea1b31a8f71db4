package service

import (
	"context"
	"fmt"
	"time"

	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts        = 3
	defaultRetryBackoff       = 10 * time.Second
	defaultPerNodeConcurrency = 2
)

// NodeAcquirer admits an attempt onto a node.
type NodeAcquirer interface {
	Acquire(ctx context.Context) (*Assignment, error)
}

// Syncer brings a node's test data up to date.
type Syncer interface {
	EnsureSynced(ctx context.Context, node *model.Node, problem *model.Problem) error
}

// JudgeClient runs a judge request on a node.
type JudgeClient interface {
	Dispatch(ctx context.Context, node *model.Node, req *judgeclient.Request, handler judgeclient.Handler) (*judgeclient.Reply, error)
}

// DispatchConfig controls the attempt loop and the worker pool size.
type DispatchConfig struct {
	MaxAttempts        int           `yaml:"maxAttempts"`
	RetryBackoff       time.Duration `yaml:"retryBackoff"`
	Workers            int           `yaml:"workers"`
	PerNodeConcurrency int           `yaml:"perNodeConcurrency"`
	RunUntilComplete   bool          `yaml:"runUntilComplete"`
	// AdmissionWait bounds the wait for a free admission lease; zero waits until one frees up.
	AdmissionWait time.Duration `yaml:"admissionWait"`
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	QueueLength   int `json:"queue_length"`
	ActiveWorkers int `json:"active_workers"`
	Workers       int `json:"workers"`
	LeasesInUse   int `json:"leases_in_use"`
	LeaseLimit    int `json:"lease_limit"`
}

// Dispatcher owns the attempt sequence of each submission taken from the worker pool.
type Dispatcher struct {
	cfg         DispatchConfig
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	contests    repository.ContestRepository
	nodes       repository.NodeRepository
	selector    NodeAcquirer
	syncer      Syncer
	client      JudgeClient
	applier     *Applier
	sem         Semaphore
	pool        *WorkerPool
	metrics     *metrics.Collector

	sleep func(ctx context.Context, d time.Duration) error
}

// DispatcherDeps holds Dispatcher collaborators. Semaphore and Metrics are optional.
type DispatcherDeps struct {
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Contests    repository.ContestRepository
	Nodes       repository.NodeRepository
	Selector    NodeAcquirer
	Syncer      Syncer
	Client      JudgeClient
	Applier     *Applier
	Semaphore   Semaphore
	Metrics     *metrics.Collector
}

// NewDispatcher creates a dispatcher with its own worker pool.
func NewDispatcher(deps DispatcherDeps, cfg DispatchConfig) (*Dispatcher, error) {
	if deps.Submissions == nil || deps.Problems == nil || deps.Contests == nil || deps.Nodes == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if deps.Selector == nil {
		return nil, fmt.Errorf("node selector is required")
	}
	if deps.Syncer == nil {
		return nil, fmt.Errorf("data syncer is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("judge client is required")
	}
	if deps.Applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	} else if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.PerNodeConcurrency <= 0 {
		cfg.PerNodeConcurrency = defaultPerNodeConcurrency
	}
	d := &Dispatcher{
		cfg:         cfg,
		submissions: deps.Submissions,
		problems:    deps.Problems,
		contests:    deps.Contests,
		nodes:       deps.Nodes,
		selector:    deps.Selector,
		syncer:      deps.Syncer,
		client:      deps.Client,
		applier:     deps.Applier,
		sem:         deps.Semaphore,
		metrics:     deps.Metrics,
		sleep:       sleepContext,
	}
	d.pool = NewWorkerPool(d.Process, deps.Metrics)
	return d, nil
}

// Start launches the worker pool. Without an explicit worker count the pool is sized to
// enabled nodes times the per-node concurrency and follows node capacity through RefreshWorkers.
func (d *Dispatcher) Start(ctx context.Context) error {
	workers, err := d.targetWorkers(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "dispatcher starting", zap.Int("workers", workers))
	return d.pool.Start(ctx, workers)
}

// RefreshWorkers resizes the pool after node capacity changed. A configured worker count is
// left alone.
func (d *Dispatcher) RefreshWorkers(ctx context.Context) error {
	if d.cfg.Workers > 0 {
		return nil
	}
	workers, err := d.targetWorkers(ctx)
	if err != nil {
		return err
	}
	current := d.pool.Workers()
	if workers == current {
		return nil
	}
	logger.Info(ctx, "resizing dispatch workers", zap.Int("from", current), zap.Int("to", workers))
	return d.pool.Resize(workers)
}

func (d *Dispatcher) targetWorkers(ctx context.Context) (int, error) {
	if d.cfg.Workers > 0 {
		return d.cfg.Workers, nil
	}
	nodes, _, err := d.nodes.Capacity(ctx)
	if err != nil {
		return 0, err
	}
	return max(nodes*d.cfg.PerNodeConcurrency, 1), nil
}

// Stop stops the worker pool and waits for running sequences.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Enqueue schedules a submission for judging.
func (d *Dispatcher) Enqueue(id int64, opts ...EnqueueOption) error {
	return d.pool.Enqueue(id, opts...)
}

// JudgeOnContest dispatches s under its contest's case-subset policy. A contest that runs no
// cases records the submission as SUBMITTED and fires cb without contacting any node.
func (d *Dispatcher) JudgeOnContest(ctx context.Context, s *model.Submission, cb Callback) error {
	if s.InContest() {
		contest, err := d.contests.Get(ctx, s.ContestID)
		if err != nil {
			return err
		}
		if contest.CaseSubset == model.CaseSubsetNone {
			if _, err := d.applier.MarkSubmitted(ctx, s.ID); err != nil {
				return err
			}
			if cb != nil {
				cb(ctx, s.ID)
			}
			return nil
		}
	}
	return d.pool.Enqueue(s.ID, WithCallback(cb))
}

// Stats reports queue and admission figures.
func (d *Dispatcher) Stats(ctx context.Context) Stats {
	stats := Stats{
		QueueLength:   d.pool.Len(),
		ActiveWorkers: d.pool.Active(),
		Workers:       d.pool.Workers(),
	}
	if d.sem != nil {
		stats.LeaseLimit = d.sem.Limit()
		if n, err := d.sem.InUse(ctx); err == nil {
			stats.LeasesInUse = n
		}
	}
	return stats
}

// Process runs the attempt sequence for one submission. It is the worker pool handler.
// Loading the submission is part of each attempt, so a transient store failure is retried
// like any other step; only a missing submission ends the sequence at once.
func (d *Dispatcher) Process(ctx context.Context, id int64) {
	ctx = logger.WithSubmission(ctx, id)
	var (
		s       *model.Submission
		expect  *time.Time
		lastErr error
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		var err error
		if s == nil {
			var pending bool
			s, pending, err = d.load(ctx, id)
			if err == nil && !pending {
				return
			}
			if s != nil {
				expect = s.JudgeStartAt
			}
		}
		if err == nil {
			var started *time.Time
			started, err = d.attempt(ctx, s, attempt)
			if started != nil {
				expect = started
			}
		}
		if err == nil {
			d.metrics.ObserveAttempt(metrics.OutcomeJudged)
			return
		}
		if ctx.Err() != nil {
			logger.Warn(ctx, "dispatch aborted", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		if appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "dispatched submission does not exist")
			return
		}
		if appErr.Is(err, appErr.StaleAttempt) {
			d.metrics.ObserveAttempt(metrics.OutcomeStale)
			logger.Info(ctx, "attempt superseded", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		if !appErr.IsRetryable(err) {
			d.metrics.ObserveAttempt(metrics.OutcomeFatal)
			logger.Error(ctx, "attempt failed permanently", zap.Int("attempt", attempt), zap.Error(err))
			d.fail(ctx, s, id, expect)
			return
		}
		d.metrics.ObserveAttempt(metrics.OutcomeRetry)
		logger.Warn(ctx, "attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
		if attempt < d.cfg.MaxAttempts {
			if err := d.sleep(ctx, d.cfg.RetryBackoff); err != nil {
				return
			}
		}
	}
	d.metrics.ObserveAttempt(metrics.OutcomeExhausted)
	logger.Error(ctx, "attempts exhausted", zap.Int("attempts", d.cfg.MaxAttempts), zap.Error(lastErr))
	d.fail(ctx, s, id, expect)
}

// load reads the submission; pending is false when it no longer waits for a judge.
func (d *Dispatcher) load(ctx context.Context, id int64) (*model.Submission, bool, error) {
	s, err := d.submissions.Get(ctx, nil, id)
	if err != nil {
		return nil, false, err
	}
	if !s.StatusPrivate.IsPending() {
		logger.Debug(ctx, "submission is not pending, skipping", zap.String("status", s.StatusPrivate.String()))
		return s, false, nil
	}
	return s, true, nil
}

// attempt runs steps select, sync, flip, judge and apply once. The returned stamp is set
// once the submission was flipped to JUDGING.
func (d *Dispatcher) attempt(ctx context.Context, s *model.Submission, number int) (*time.Time, error) {
	problem, err := d.problems.Get(ctx, s.ProblemID)
	if err != nil {
		return nil, err
	}
	cases, skip, err := d.resolveCases(ctx, s, problem)
	if err != nil {
		return nil, err
	}
	if skip {
		_, err := d.applier.MarkSubmitted(ctx, s.ID)
		return nil, err
	}

	assignment, err := d.selector.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer assignment.Release(ctx)
	node := assignment.Node
	ctx = logger.WithAttempt(ctx, node.ID, number)

	if err := d.syncer.EnsureSynced(ctx, node, problem); err != nil {
		return nil, err
	}
	startedAt, err := d.applier.MarkJudging(ctx, s.ID, node.ID)
	if err != nil {
		return nil, err
	}
	att := Attempt{
		SubmissionID: s.ID,
		NodeID:       node.ID,
		Number:       number,
		StartedAt:    startedAt,
		Problem:      problem,
		Cases:        cases,
	}

	req := judgeclient.NewRequest(s, problem, node, cases, d.cfg.RunUntilComplete)
	reply, err := d.client.Dispatch(ctx, node, req, func(r *judgeclient.Reply) judgeclient.PollDecision {
		if judgeclient.DefaultHandler(r) == judgeclient.Final {
			return judgeclient.Final
		}
		if err := d.applier.ApplyPartial(ctx, att, r); err != nil {
			logger.Warn(ctx, "apply partial reply failed", zap.Error(err))
		}
		return judgeclient.Partial
	})
	if err != nil {
		return &startedAt, err
	}
	if !reply.Judged() {
		return &startedAt, appErr.Newf(appErr.MalformedResponse, "final reply carries pending verdict %s", reply.Verdict)
	}
	_, err = d.applier.Apply(ctx, att, reply)
	return &startedAt, err
}

// resolveCases returns the case list to run; skip reports a contest policy that runs none.
func (d *Dispatcher) resolveCases(ctx context.Context, s *model.Submission, problem *model.Problem) ([]string, bool, error) {
	if !s.InContest() {
		return problem.CaseList, false, nil
	}
	contest, err := d.contests.Get(ctx, s.ContestID)
	if err != nil {
		return nil, false, err
	}
	if contest.CaseSubset == model.CaseSubsetNone {
		return nil, true, nil
	}
	return model.ResolveCases(problem, contest.CaseSubset), false, nil
}

// fail writes SYSTEM_ERROR. A submission that was never loaded has no known judge-start stamp
// to guard the write with, so it stays pending for the sweeper instead.
func (d *Dispatcher) fail(ctx context.Context, s *model.Submission, id int64, expect *time.Time) {
	if s == nil {
		logger.Error(ctx, "submission could not be loaded, leaving it pending")
		return
	}
	_, err := d.applier.MarkSystemError(ctx, id, expect)
	switch {
	case err == nil:
	case appErr.Is(err, appErr.StaleAttempt):
		logger.Info(ctx, "system error write superseded", zap.Error(err))
	default:
		logger.Error(ctx, "write system error failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
