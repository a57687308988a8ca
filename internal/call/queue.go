package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/MrWong99/callcenter/pkg/audio"
)

// Overflow selects what [Queue.Push] does when the queue stays full for
// longer than the push timeout.
type Overflow string

const (
	// OverflowDropOldest evicts the head of the queue to admit the newest
	// unit. Live audio prefers bounded staleness over unbounded latency.
	OverflowDropOldest Overflow = "drop_oldest"

	// OverflowBlock keeps waiting for space. No unit is ever lost, at the
	// cost of stalling ingest behind a slow consumer.
	OverflowBlock Overflow = "block"
)

// IsValid reports whether o is a known overflow policy.
func (o Overflow) IsValid() bool {
	switch o {
	case OverflowDropOldest, OverflowBlock:
		return true
	}
	return false
}

// Queue is a bounded FIFO of [audio.Unit] shared by one session's ingest
// and egress goroutines. It is safe for one producer and one consumer
// running concurrently; Close may be called from any goroutine.
type Queue struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	closed   bool

	timeout time.Duration
	policy  Overflow

	// notEmpty and notFull are one-slot wakeup signals. A waiter re-checks
	// the condition under mu after every wakeup.
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue returns a queue holding at most capacity units. pushTimeout is
// how long Push waits for space before applying policy.
func NewQueue(capacity int, pushTimeout time.Duration, policy Overflow) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if !policy.IsValid() {
		policy = OverflowDropOldest
	}
	return &Queue{
		items:    queue.New(),
		capacity: capacity,
		timeout:  pushTimeout,
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends u. When the queue is full it waits up to the push timeout for
// space; after that the drop-oldest policy evicts the head and reports
// dropped=1, while the block policy keeps waiting. Push returns
// [ErrQueueClosed] once the queue is closed, or ctx's error.
func (q *Queue) Push(ctx context.Context, u audio.Unit) (dropped int, err error) {
	var expired <-chan time.Time
	if q.policy == OverflowDropOldest {
		t := time.NewTimer(q.timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, ErrQueueClosed
		}
		if q.items.Length() < q.capacity {
			q.items.Add(u)
			q.mu.Unlock()
			signal(q.notEmpty)
			return dropped, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-expired:
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				return 0, ErrQueueClosed
			}
			if q.items.Length() >= q.capacity {
				q.items.Remove()
				dropped++
			}
			q.items.Add(u)
			q.mu.Unlock()
			signal(q.notEmpty)
			return dropped, nil
		case <-q.done:
			return 0, ErrQueueClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Pop removes and returns the head. It waits up to wait for a unit and
// returns [ErrQueueTimeout] if none arrived. After Close the remaining
// units are still returned in order; once drained Pop returns
// [ErrQueueClosed].
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (audio.Unit, error) {
	t := time.NewTimer(wait)
	defer t.Stop()

	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			u := q.items.Remove().(audio.Unit)
			q.mu.Unlock()
			signal(q.notFull)
			return u, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return audio.Unit{}, ErrQueueClosed
		}

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-t.C:
			return audio.Unit{}, ErrQueueTimeout
		case <-ctx.Done():
			return audio.Unit{}, ctx.Err()
		}
	}
}

// Close marks the end of input. Pending units stay poppable. Safe to call
// more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }

// String implements [fmt.Stringer] for log output.
func (q *Queue) String() string {
	return fmt.Sprintf("queue(%d/%d, %s)", q.Len(), q.capacity, q.policy)
}

// signal performs a non-blocking send on a one-slot wakeup channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
