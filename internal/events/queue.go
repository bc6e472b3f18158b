package events

import "sync"

// queuedChannel delivers items on a channel without blocking the producer
// on a slow reader. Items wait in an unbounded slice until the forwarding
// goroutine hands them over.
type queuedChannel[T any] struct {
	ch    chan T
	items []T
	cond  *sync.Cond

	closed bool
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newQueuedChannel[T any](bufferSize int) *queuedChannel[T] {
	q := &queuedChannel[T]{
		ch:   make(chan T, bufferSize),
		cond: sync.NewCond(&sync.Mutex{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go q.forward()

	return q
}

func (q *queuedChannel[T]) forward() {
	defer close(q.done)
	defer close(q.ch)

	for {
		item, ok := q.pop()
		if !ok {
			return
		}

		select {
		case q.ch <- item:
		case <-q.stop:
			return
		}
	}
}

func (q *queuedChannel[T]) enqueue(items ...T) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, items...)
	q.cond.Broadcast()

	return true
}

func (q *queuedChannel[T]) channel() <-chan T {
	return q.ch
}

// closeAndDiscard drops undelivered items, closes the channel and waits for
// the forwarding goroutine to exit.
func (q *queuedChannel[T]) closeAndDiscard() {
	q.once.Do(func() {
		q.cond.L.Lock()
		q.closed = true
		q.items = nil
		q.cond.Broadcast()
		q.cond.L.Unlock()

		close(q.stop)
	})

	<-q.done
}

func (q *queuedChannel[T]) pop() (T, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	var item T

	for len(q.items) == 0 {
		if q.closed {
			return item, false
		}
		q.cond.Wait()
	}

	item, q.items = q.items[0], q.items[1:]

	return item, true
}
