package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/loom/pkg/schema"
)

// MemoryQueue is an in-process TaskQueue.
type MemoryQueue struct {
	opts Options

	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
}

type memQueue struct {
	ready  taskHeap
	leased map[string]*Task
	// wake is closed and replaced whenever a task is enqueued or released.
	wake chan struct{}
	seq  uint64
}

// NewMemoryQueue creates a MemoryQueue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:   opts.withDefaults(),
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

func (q *MemoryQueue) queue(name string) *memQueue {
	mq, ok := q.queues[name]
	if !ok {
		mq = &memQueue{leased: make(map[string]*Task), wake: make(chan struct{})}
		q.queues[name] = mq
	}
	return mq
}

func (mq *memQueue) push(t *Task) {
	mq.seq++
	heap.Push(&mq.ready, &heapItem{task: t, seq: mq.seq})
	close(mq.wake)
	mq.wake = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return schema.NewError(schema.ErrCodeQueue, "queue is closed")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.VisibleAt.IsZero() {
		task.VisibleAt = q.opts.Now()
	}
	cp := *task
	q.queue(task.Queue).push(&cp)
	return nil
}

func (q *MemoryQueue) Poll(ctx context.Context, name string, lease time.Duration) (*Task, error) {
	bound := time.NewTimer(q.opts.PollTimeout)
	defer bound.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeQueue, "queue is closed")
		}
		now := q.opts.Now()
		mq := q.queue(name)
		mq.reclaim(now)

		if mq.ready.Len() > 0 && !mq.ready[0].task.VisibleAt.After(now) {
			t := heap.Pop(&mq.ready).(*heapItem).task
			t.Lease = uuid.New().String()
			t.LeaseExpiresAt = now.Add(lease)
			t.Deliveries++
			mq.leased[t.ID] = t
			cp := *t
			q.mu.Unlock()
			return &cp, nil
		}

		var wait time.Duration
		if mq.ready.Len() > 0 {
			wait = mq.ready[0].task.VisibleAt.Sub(now)
		}
		if d := mq.nextLeaseExpiry(now); d > 0 && (wait <= 0 || d < wait) {
			wait = d
		}
		wake := mq.wake
		q.mu.Unlock()

		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-q.done:
			stopTimer(timer)
			return nil, schema.NewError(schema.ErrCodeQueue, "queue is closed")
		case <-bound.C:
			stopTimer(timer)
			return nil, nil
		case <-wake:
		case <-tick:
		}
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// reclaim returns expired leases to the ready heap.
func (mq *memQueue) reclaim(now time.Time) {
	for id, t := range mq.leased {
		if !t.LeaseExpiresAt.After(now) {
			delete(mq.leased, id)
			t.Lease = ""
			t.VisibleAt = now
			mq.push(t)
		}
	}
}

func (mq *memQueue) nextLeaseExpiry(now time.Time) time.Duration {
	var next time.Duration
	for _, t := range mq.leased {
		d := t.LeaseExpiresAt.Sub(now)
		if next == 0 || d < next {
			next = d
		}
	}
	return next
}

func (q *MemoryQueue) leased(task *Task) (*memQueue, *Task, error) {
	mq, ok := q.queues[task.Queue]
	if !ok {
		return nil, nil, schema.NewErrorf(schema.ErrCodeLeaseLost, "task %s not leased", task.ID)
	}
	held, ok := mq.leased[task.ID]
	if !ok || held.Lease != task.Lease || held.LeaseExpiresAt.Before(q.opts.Now()) {
		return nil, nil, schema.NewErrorf(schema.ErrCodeLeaseLost, "task %s lease lost", task.ID)
	}
	return mq, held, nil
}

func (q *MemoryQueue) Complete(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, _, err := q.leased(task)
	if err != nil {
		return err
	}
	delete(mq.leased, task.ID)
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, task *Task, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, held, err := q.leased(task)
	if err != nil {
		return err
	}
	delete(mq.leased, task.ID)
	held.Lease = ""
	held.VisibleAt = q.opts.Now().Add(retryAfter)
	mq.push(held)
	return nil
}

func (q *MemoryQueue) ExtendLease(_ context.Context, task *Task, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, held, err := q.leased(task)
	if err != nil {
		return err
	}
	held.LeaseExpiresAt = q.opts.Now().Add(lease)
	task.LeaseExpiresAt = held.LeaseExpiresAt
	return nil
}

// Stats returns the number of ready and leased tasks in a queue.
func (q *MemoryQueue) Stats(name string) (ready, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.queues[name]
	if !ok {
		return 0, 0
	}
	return mq.ready.Len(), len(mq.leased)
}

// Close wakes blocked pollers and rejects further use.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

// --- heap ---

type heapItem struct {
	task *Task
	seq  uint64
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].task.VisibleAt.Equal(h[j].task.VisibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.VisibleAt.Before(h[j].task.VisibleAt)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ TaskQueue = (*MemoryQueue)(nil)
