// Package throttle bounds how many copysets are loaded concurrently.
package throttle

import (
	"errors"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

var (
	ErrStart   = errors.New("throttle: worker count must be positive")
	ErrStarted = errors.New("throttle: already started")
	ErrStopped = errors.New("throttle: stopped")
)

// Throttle runs queued tasks on a fixed set of workers in FIFO order.
type Throttle struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *linkedlistqueue.Queue
	started bool
	closed  bool

	// pending counts tasks enqueued and not yet finished.
	pending sync.WaitGroup
	workers sync.WaitGroup
}

func New() *Throttle {
	t := &Throttle{queue: linkedlistqueue.New()}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches n workers.
func (t *Throttle) Start(n int) error {
	if n <= 0 {
		return ErrStart
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrStopped
	}
	if t.started {
		return ErrStarted
	}
	t.started = true
	t.workers.Add(n)
	for i := 0; i < n; i++ {
		go t.worker()
	}
	return nil
}

// Enqueue appends a task. The queue is unbounded.
func (t *Throttle) Enqueue(task func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrStopped
	}
	t.pending.Add(1)
	t.queue.Enqueue(task)
	t.cond.Signal()
	return nil
}

// QueueDepth returns the number of tasks no worker has picked up yet.
func (t *Throttle) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Size()
}

// Wait blocks until every task enqueued so far has finished.
func (t *Throttle) Wait() {
	t.pending.Wait()
}

// Stop refuses new tasks, lets the workers drain the queue and waits for
// them to exit. Calling Stop more than once is harmless.
func (t *Throttle) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.workers.Wait()
		return
	}
	t.closed = true
	started := t.started
	t.cond.Broadcast()
	t.mu.Unlock()

	if !started {
		// nobody will run what is queued; release it
		t.mu.Lock()
		for !t.queue.Empty() {
			t.queue.Dequeue()
			t.pending.Done()
		}
		t.mu.Unlock()
	}
	t.workers.Wait()
}

func (t *Throttle) worker() {
	defer t.workers.Done()
	for {
		t.mu.Lock()
		for t.queue.Empty() && !t.closed {
			t.cond.Wait()
		}
		v, ok := t.queue.Dequeue()
		t.mu.Unlock()
		if !ok {
			// closed and drained
			return
		}
		t.run(v.(func()))
	}
}

func (t *Throttle) run(task func()) {
	defer t.pending.Done()
	task()
}
