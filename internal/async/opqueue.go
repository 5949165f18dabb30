package async

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned for operations pushed after Close.
var ErrQueueClosed = errors.New("operation queue is closed")

// Op is a unit of work run by an OpQueue. Cancellation, when needed, is
// captured in the closure.
type Op func() (any, error)

type opTask struct {
	op  Op
	res *Deferred[any]
}

// OpQueue runs pushed operations strictly one at a time in submission order.
// A failed operation does not stop the queue. Pushing a no-op and awaiting
// it acts as a barrier behind everything queued before it.
type OpQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*opTask
	closed bool
	done   chan struct{}
}

// NewOpQueue starts the queue's single worker goroutine.
func NewOpQueue() *OpQueue {
	q := &OpQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push enqueues op and returns a deferred settled with op's result.
func (q *OpQueue) Push(op Op) *Deferred[any] {
	t := &opTask{op: op, res: NewDeferred[any]()}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.res.Reject(ErrQueueClosed)
		return t.res
	}
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	q.cond.Signal()
	return t.res
}

func (q *OpQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		v, err := t.op()
		if err != nil {
			t.res.Reject(err)
		} else {
			t.res.Resolve(v)
		}
	}
}

// Close stops accepting new operations. Already-queued operations still run;
// Close returns after the worker drains them.
func (q *OpQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}
