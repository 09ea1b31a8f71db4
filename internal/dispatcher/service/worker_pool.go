package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"judgedispatch/internal/dispatcher/metrics"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

// Callback runs once the attempt sequence of a submission has finished.
type Callback func(ctx context.Context, submissionID int64)

// EnqueueOption customizes one Enqueue call.
type EnqueueOption func(*poolEntry)

// WithCallback registers cb to run after the sequence for the id completes.
func WithCallback(cb Callback) EnqueueOption {
	return func(e *poolEntry) {
		if cb != nil {
			e.callbacks = append(e.callbacks, cb)
		}
	}
}

type poolEntry struct {
	id        int64
	callbacks []Callback

	// set while in flight when the id was enqueued again
	rerun          bool
	rerunCallbacks []Callback
}

// WorkerPool runs submission ids through handler on a resizable set of goroutines. An id is
// owned by at most one worker at a time; ids are never dropped.
type WorkerPool struct {
	handler func(ctx context.Context, id int64)
	metrics *metrics.Collector

	mu       sync.Mutex
	queue    []*poolEntry
	queued   map[int64]*poolEntry
	inflight map[int64]*poolEntry
	started  bool
	stopped  bool

	ctx     context.Context
	signal  chan struct{}
	workers int
	running int
	active  atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool; call Start to launch workers.
func NewWorkerPool(handler func(ctx context.Context, id int64), collector *metrics.Collector) *WorkerPool {
	return &WorkerPool{
		handler:  handler,
		metrics:  collector,
		queued:   make(map[int64]*poolEntry),
		inflight: make(map[int64]*poolEntry),
	}
}

// Start launches workers goroutines consuming the queue until ctx is done or Stop is called.
func (p *WorkerPool) Start(ctx context.Context, workers int) error {
	if workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	if p.stopped {
		return appErr.New(appErr.DispatcherStopped)
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.workers = workers
	p.signal = make(chan struct{}, workers)
	p.spawnLocked(workers)
	// wake workers for anything enqueued before start
	for i := 0; i < len(p.queue) && i < workers; i++ {
		p.signal <- struct{}{}
	}
	return nil
}

// Resize changes the number of workers. Extra workers start at once; surplus workers exit
// when idle or after their current sequence.
func (p *WorkerPool) Resize(workers int) error {
	if workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", workers)
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return appErr.New(appErr.DispatcherStopped)
	}
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	p.workers = workers
	if workers > p.running {
		p.spawnLocked(workers - p.running)
	}
	surplus := p.running - workers
	signal := p.signal
	p.mu.Unlock()
	// wake idle workers so the surplus can exit
	for i := 0; i < surplus; i++ {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *WorkerPool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		p.running++
		p.wg.Add(1)
		go p.run(p.ctx)
	}
}

// retire reports whether the calling worker is surplus and must exit.
func (p *WorkerPool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running <= p.workers {
		return false
	}
	p.running--
	if len(p.queue) > 0 {
		// hand a wake-up this worker may have consumed to a remaining one
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
	return true
}

// Stop cancels workers and waits for in-flight sequences to return.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Enqueue schedules id. An id already queued is merged; an id in flight is run once more after
// the current sequence finishes.
func (p *WorkerPool) Enqueue(id int64, opts ...EnqueueOption) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return appErr.New(appErr.DispatcherStopped)
	}
	if entry, ok := p.queued[id]; ok {
		for _, opt := range opts {
			opt(entry)
		}
		p.mu.Unlock()
		return nil
	}
	if entry, ok := p.inflight[id]; ok {
		pending := &poolEntry{id: id}
		for _, opt := range opts {
			opt(pending)
		}
		entry.rerun = true
		entry.rerunCallbacks = append(entry.rerunCallbacks, pending.callbacks...)
		p.mu.Unlock()
		return nil
	}
	entry := &poolEntry{id: id}
	for _, opt := range opts {
		opt(entry)
	}
	p.pushLocked(entry)
	p.mu.Unlock()
	p.notify()
	return nil
}

// Len returns the number of queued ids.
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active returns the number of workers running a sequence.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// Workers returns the target number of workers.
func (p *WorkerPool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *WorkerPool) pushLocked(entry *poolEntry) {
	p.queue = append(p.queue, entry)
	p.queued[entry.id] = entry
	p.metrics.SetQueueLength(len(p.queue))
}

func (p *WorkerPool) notify() {
	p.mu.Lock()
	signal := p.signal
	p.mu.Unlock()
	if signal == nil {
		return
	}
	select {
	case signal <- struct{}{}:
	default:
	}
}

// next pops the head of the queue and marks it in flight.
func (p *WorkerPool) next() (*poolEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	entry := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	delete(p.queued, entry.id)
	p.inflight[entry.id] = entry
	p.metrics.SetQueueLength(len(p.queue))
	return entry, true
}

func (p *WorkerPool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil || p.retire() {
			return
		}
		entry, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.signal:
			}
			continue
		}
		p.process(ctx, entry)
	}
}

func (p *WorkerPool) process(ctx context.Context, entry *poolEntry) {
	p.metrics.SetActiveWorkers(int(p.active.Add(1)))
	p.runHandler(ctx, entry.id)
	p.metrics.SetActiveWorkers(int(p.active.Add(-1)))

	if ctx.Err() == nil {
		for _, cb := range entry.callbacks {
			cb(ctx, entry.id)
		}
	}

	p.mu.Lock()
	delete(p.inflight, entry.id)
	requeue := entry.rerun && !p.stopped
	if requeue {
		p.pushLocked(&poolEntry{id: entry.id, callbacks: entry.rerunCallbacks})
	}
	p.mu.Unlock()
	if requeue {
		p.notify()
	}
}

func (p *WorkerPool) runHandler(ctx context.Context, id int64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "dispatch worker panic", zap.Int64("submission_id", id), zap.Any("panic", r))
		}
	}()
	p.handler(ctx, id)
}
