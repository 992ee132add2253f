package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hearsaylabs/hearsay/internal/protocol"
)

// runFunc performs one transcription. The context carries the per-request
// execution budget, not the submitter's patience: a caller that gives up
// waiting does not abort work already admitted.
type runFunc func(ctx context.Context, req protocol.TranscriptionRequest) (runResult, error)

type runResult struct {
	text       string
	confidence float64
	modelID    string
	duration   time.Duration
}

type outcome struct {
	result runResult
	err    error
}

type task struct {
	req     protocol.TranscriptionRequest
	arrival uint64
	index   int
	done    chan outcome
}

// taskQueue orders by priority band first, arrival second. Nothing ages: a
// steady stream of high-priority work starves the background bands, which
// is the intended trade for interactive latency.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority.Before(q[j].req.Priority)
	}
	return q[i].arrival < q[j].arrival
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// scheduler drains a mixed-priority queue through a fixed set of workers.
// Admission order is always current priority order; in-flight work is never
// preempted.
type scheduler struct {
	run     runFunc
	timeout time.Duration
	log     *slog.Logger

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	cond      *sync.Cond
	pending   taskQueue
	byCorr    map[string]*task
	running   map[string]context.CancelFunc
	closed    bool
	arrivals  uint64
	inflight  int
	completed int64
	failed    int64
}

func newScheduler(parent context.Context, workers int, timeout time.Duration, run runFunc, log *slog.Logger) *scheduler {
	ctx, cancel := context.WithCancel(parent)
	s := &scheduler{
		run:       run,
		timeout:   timeout,
		log:       log,
		ctx:       ctx,
		cancelAll: cancel,
		byCorr:    make(map[string]*task),
		running:   make(map[string]context.CancelFunc),
	}
	s.cond = sync.NewCond(&s.mu)
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// submit queues the request and blocks until it finishes or waitCtx runs
// out. Abandoning the wait does not withdraw the task.
func (s *scheduler) submit(waitCtx context.Context, req protocol.TranscriptionRequest) (runResult, error) {
	if !req.Priority.Valid() {
		return runResult{}, protocol.NewCallError(protocol.CodeInvalid, "unknown priority %d", int(req.Priority))
	}

	t := &task{req: req, done: make(chan outcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return runResult{}, protocol.NewCallError(protocol.CodeBusy, "engine is shutting down")
	}
	s.arrivals++
	t.arrival = s.arrivals
	heap.Push(&s.pending, t)
	if req.CorrelationID != "" {
		s.byCorr[req.CorrelationID] = t
	}
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case out := <-t.done:
		return out.result, out.err
	case <-waitCtx.Done():
		return runResult{}, waitCtx.Err()
	}
}

// cancel withdraws a pending request by correlation id, or signals an
// in-flight one to stop. Pending removal is exact; in-flight is best
// effort.
func (s *scheduler) cancel(correlationID string) (removed, inflight bool) {
	s.mu.Lock()
	if t, ok := s.byCorr[correlationID]; ok {
		heap.Remove(&s.pending, t.index)
		delete(s.byCorr, correlationID)
		s.mu.Unlock()
		t.done <- outcome{err: context.Canceled}
		return true, false
	}
	if cancelRun, ok := s.running[correlationID]; ok {
		cancelRun()
		s.mu.Unlock()
		return false, true
	}
	s.mu.Unlock()
	return false, false
}

// snapshot reports queue depth per band plus lifetime counters.
func (s *scheduler) snapshot() (queued map[string]int, inflight int, completed, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued = make(map[string]int)
	for _, t := range s.pending {
		queued[t.req.Priority.String()]++
	}
	return queued, s.inflight, s.completed, s.failed
}

// close rejects the remaining queue, interrupts in-flight work and waits
// for the workers to exit.
func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	rejected := make([]*task, 0, len(s.pending))
	for len(s.pending) > 0 {
		rejected = append(rejected, heap.Pop(&s.pending).(*task))
	}
	s.byCorr = make(map[string]*task)
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, t := range rejected {
		t.done <- outcome{err: context.Canceled}
	}
	s.cancelAll()
	s.wg.Wait()
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.pending).(*task)
		if t.req.CorrelationID != "" {
			delete(s.byCorr, t.req.CorrelationID)
		}
		runCtx, cancelRun := context.WithTimeout(s.ctx, s.timeout)
		if t.req.CorrelationID != "" {
			s.running[t.req.CorrelationID] = cancelRun
		}
		s.inflight++
		s.mu.Unlock()

		result, err := s.run(runCtx, t.req)
		cancelRun()

		s.mu.Lock()
		s.inflight--
		if t.req.CorrelationID != "" {
			delete(s.running, t.req.CorrelationID)
		}
		if err != nil {
			s.failed++
		} else {
			s.completed++
		}
		s.mu.Unlock()

		t.done <- outcome{result: result, err: err}
	}
}
