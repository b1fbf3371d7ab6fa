package flow

import (
	"container/heap"
	"context"
	"sync"
)

// fiberTask is one unit of work submitted to the scheduler.
type fiberTask struct {
	seq    uint64
	flowID string
	run    func()
}

// taskHeap orders tasks by submission sequence so the pool is FIFO-fair
// across flows.
type taskHeap []*fiberTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*fiberTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler is a bounded worker pool that executes fiber tasks.
//
// Tasks run in submission order, except that at most one task per flow ID
// runs at a time: a task for a busy flow is parked and queued once the
// running task for that flow completes.
//
// Backpressure: at most capacity tasks may be queued or running. Submit
// blocks until a slot frees up or its context is done.
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskHeap
	parked  map[string][]*fiberTask // flowID -> tasks waiting for the flow
	active  map[string]bool         // flows with a queued or running task
	seq     uint64
	slots   chan struct{}
	wg      sync.WaitGroup // submitted tasks not yet completed
	workers sync.WaitGroup
	closed  bool
	running int
	metrics *PrometheusMetrics
}

// NewScheduler starts a pool of workers goroutines with room for capacity
// queued or running tasks.
func NewScheduler(workers, capacity int, metrics *PrometheusMetrics) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if capacity < workers {
		capacity = workers
	}
	s := &Scheduler{
		parked:  make(map[string][]*fiberTask),
		active:  make(map[string]bool),
		slots:   make(chan struct{}, capacity),
		metrics: metrics,
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.queue)

	s.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}
	return s
}

// Submit queues run for flowID.
func (s *Scheduler) Submit(ctx context.Context, flowID string, run func()) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		<-s.slots
		return ErrRunnerClosed
	}

	s.seq++
	task := &fiberTask{seq: s.seq, flowID: flowID, run: run}
	s.wg.Add(1)

	if s.active[flowID] {
		s.parked[flowID] = append(s.parked[flowID], task)
	} else {
		s.active[flowID] = true
		heap.Push(&s.queue, task)
		s.cond.Signal()
	}
	s.reportLocked()
	return nil
}

func (s *Scheduler) work() {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		task := heap.Pop(&s.queue).(*fiberTask)
		s.running++
		s.reportLocked()
		s.mu.Unlock()

		task.run()
		s.complete(task)
	}
}

func (s *Scheduler) complete(task *fiberTask) {
	s.mu.Lock()
	s.running--
	if next := s.parked[task.flowID]; len(next) > 0 {
		heap.Push(&s.queue, next[0])
		if len(next) == 1 {
			delete(s.parked, task.flowID)
		} else {
			s.parked[task.flowID] = next[1:]
		}
		s.cond.Signal()
	} else {
		delete(s.active, task.flowID)
	}
	s.reportLocked()
	s.mu.Unlock()

	<-s.slots
	s.wg.Done()
}

func (s *Scheduler) reportLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.UpdateQueueDepth(s.queue.Len())
	s.metrics.UpdateInflightFibers(s.running)
}

// Len returns the number of queued (not running) tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.queue.Len()
	for _, p := range s.parked {
		n += len(p)
	}
	return n
}

// Close stops accepting tasks, waits for every submitted task to complete
// and stops the workers. It returns ctx.Err() if ctx ends first; workers then
// finish the remaining tasks in the background.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
