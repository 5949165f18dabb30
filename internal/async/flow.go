package async

import (
	"context"
	"sync"
)

// Flow groups produced items into fixed-size batches and dispatches each
// batch to a single registered consumer. Join waits for every dispatched
// batch's handler to finish; the cancelled join path drains internal buffers
// without waiting on the consumer at all.
type Flow[T any] struct {
	batchSize int

	mu      sync.Mutex
	pending []T
	err     error

	batches *Queue[[]T]
	handled sync.WaitGroup

	consumeOnce  sync.Once
	consumerDone chan struct{}

	afterMu sync.Mutex
	after   []func()
}

// NewFlow returns a flow dispatching batches of up to batchSize items.
func NewFlow[T any](batchSize int) *Flow[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Flow[T]{
		batchSize:    batchSize,
		batches:      NewQueue[[]T](),
		consumerDone: make(chan struct{}),
	}
}

// Produce buffers one item, dispatching the buffer as a batch once it
// reaches the batch size.
func (f *Flow[T]) Produce(item T) {
	f.mu.Lock()
	f.pending = append(f.pending, item)
	var batch []T
	if len(f.pending) >= f.batchSize {
		batch = f.pending
		f.pending = nil
	}
	f.mu.Unlock()
	if batch != nil {
		f.dispatch(batch)
	}
}

// FlushProduced dispatches the current partial batch, if any.
func (f *Flow[T]) FlushProduced() {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(batch) > 0 {
		f.dispatch(batch)
	}
}

func (f *Flow[T]) dispatch(batch []T) {
	f.handled.Add(1)
	if !f.batches.Add(batch) {
		// flow already cancelled; the batch is dropped
		f.handled.Done()
	}
}

// Consume registers the batch handler and starts the consumer goroutine.
// Only the first call takes effect. The handler's first error is retained
// and reported by Join; later batches are still handled.
func (f *Flow[T]) Consume(handler func(batch []T) error) {
	f.consumeOnce.Do(func() {
		go f.consumeLoop(handler)
	})
}

func (f *Flow[T]) consumeLoop(handler func([]T) error) {
	defer close(f.consumerDone)
	for {
		batch, ok, err := f.batches.PopOrTerminate(context.Background())
		if err != nil || !ok {
			break
		}
		if herr := handler(batch); herr != nil {
			f.mu.Lock()
			if f.err == nil {
				f.err = herr
			}
			f.mu.Unlock()
		}
		f.handled.Done()
	}

	f.afterMu.Lock()
	after := f.after
	f.after = nil
	f.afterMu.Unlock()
	for _, fn := range after {
		fn()
	}
}

// ConsumerThen schedules fn to run on the consumer goroutine after the last
// batch's handler completes. It must be registered before the flow is
// joined.
func (f *Flow[T]) ConsumerThen(fn func()) {
	f.afterMu.Lock()
	f.after = append(f.after, fn)
	f.afterMu.Unlock()
}

// Join shuts the flow down. When cancelled is false it dispatches the
// pending partial batch, waits for every dispatched batch's handler, then
// waits for the consumer to run its final actions, and returns the first
// handler error. The cancelled path discards the partial batch, terminates
// the batch queue and returns without waiting for the consumer. A consumer
// must have been registered before a non-cancelled Join.
func (f *Flow[T]) Join(ctx context.Context, cancelled bool) error {
	if cancelled {
		f.mu.Lock()
		f.pending = nil
		f.mu.Unlock()
		f.batches.Terminate()
		return nil
	}

	f.FlushProduced()

	done := make(chan struct{})
	go func() {
		f.handled.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.batches.Terminate()
	select {
	case <-f.consumerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
