package queue

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// waitingEntry is a ready job on the heap.
type waitingEntry struct {
	job   *Job
	seq   uint64
	index int
}

// jobHeap implements heap.Interface: higher priority first, then FIFO.
type jobHeap []*waitingEntry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	e := x.(*waitingEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// MemoryQueue is a process-local Queue. Delayed jobs are held by timers and
// pushed onto the heap when due. Nothing survives a restart.
type MemoryQueue struct {
	mu        sync.Mutex
	waiting   jobHeap
	byID      map[string]*waitingEntry
	delayed   map[string]*delayedEntry
	active    map[string]*Job
	repeat    map[string]RepeatRule
	seq       uint64
	completed int64
	failed    int64
	closed    bool
	now       func() time.Time
}

type delayedEntry struct {
	job   *Job
	timer *time.Timer
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		waiting: make(jobHeap, 0),
		byID:    make(map[string]*waitingEntry),
		delayed: make(map[string]*delayedEntry),
		active:  make(map[string]*Job),
		repeat:  make(map[string]RepeatRule),
		now:     time.Now,
	}
}

var errQueueClosed = errors.New("queue closed")

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errQueueClosed
	}

	now := q.now()
	j := job
	j.Priority = clampPriority(opts.Priority)
	j.EnqueuedAt = now
	j.RunAt = now.Add(opts.Delay)
	q.pushLocked(&j, opts.Delay)
	return j.ID, nil
}

func (q *MemoryQueue) EnqueueCron(ctx context.Context, job Job, rule RepeatRule) (string, error) {
	next, ok, err := rule.NextRun(q.now())
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errQueueClosed
	}
	q.removePendingLocked(job.ID)
	if !ok {
		delete(q.repeat, job.ID)
		return job.ID, nil
	}

	r := rule
	q.repeat[job.ID] = r
	j := job
	j.Repeat = &r
	j.Priority = clampPriority(job.Priority)
	j.EnqueuedAt = q.now()
	j.RunAt = next
	q.pushLocked(&j, time.Until(next))
	return j.ID, nil
}

// pushLocked replaces any pending entry with the same id.
func (q *MemoryQueue) pushLocked(j *Job, delay time.Duration) {
	q.removePendingLocked(j.ID)
	if delay <= 0 {
		q.seq++
		e := &waitingEntry{job: j, seq: q.seq}
		heap.Push(&q.waiting, e)
		q.byID[j.ID] = e
		return
	}
	d := &delayedEntry{job: j}
	d.timer = time.AfterFunc(delay, func() { q.promote(j.ID, d) })
	q.delayed[j.ID] = d
}

func (q *MemoryQueue) promote(id string, d *delayedEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.delayed[id]; !ok || cur != d || q.closed {
		return
	}
	delete(q.delayed, id)
	q.seq++
	e := &waitingEntry{job: d.job, seq: q.seq}
	heap.Push(&q.waiting, e)
	q.byID[id] = e
}

func (q *MemoryQueue) removePendingLocked(id string) bool {
	removed := false
	if e, ok := q.byID[id]; ok {
		heap.Remove(&q.waiting, e.index)
		delete(q.byID, id)
		removed = true
	}
	if d, ok := q.delayed[id]; ok {
		d.timer.Stop()
		delete(q.delayed, id)
		removed = true
	}
	return removed
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errQueueClosed
	}
	if len(q.waiting) == 0 {
		return nil, nil
	}
	e := heap.Pop(&q.waiting).(*waitingEntry)
	delete(q.byID, e.job.ID)
	q.active[e.job.ID] = e.job
	j := *e.job
	return &j, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(jobID, true)
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(jobID, false)
}

func (q *MemoryQueue) finish(jobID string, ok bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, active := q.active[jobID]
	if !active {
		return nil
	}
	delete(q.active, jobID)
	if ok {
		q.completed++
	} else {
		q.failed++
	}

	rule, repeating := q.repeat[jobID]
	if !repeating || q.closed {
		return nil
	}
	if _, pending := q.byID[jobID]; pending {
		return nil
	}
	if _, pending := q.delayed[jobID]; pending {
		return nil
	}
	next, more, err := rule.NextRun(q.now())
	if err != nil || !more {
		delete(q.repeat, jobID)
		return err
	}
	j := *job
	j.ExecutionID = ""
	j.Deferrals = 0
	j.EnqueuedAt = q.now()
	j.RunAt = next
	q.pushLocked(&j, time.Until(next))
	return nil
}

func (q *MemoryQueue) Defer(ctx context.Context, job *Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[job.ID]; !ok {
		return nil
	}
	delete(q.active, job.ID)
	if q.closed {
		return errQueueClosed
	}
	j := *job
	j.Deferrals++
	j.RunAt = q.now().Add(delay)
	q.pushLocked(&j, delay)
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	for id, e := range q.byID {
		if e.job.TaskID == taskID && q.removePendingLocked(id) {
			removed = true
		}
	}
	for id, d := range q.delayed {
		if d.job.TaskID == taskID && q.removePendingLocked(id) {
			removed = true
		}
	}
	for id, j := range q.active {
		if j.TaskID == taskID {
			delete(q.active, id)
			removed = true
		}
	}
	if _, ok := q.repeat[RecurringJobID(taskID)]; ok {
		delete(q.repeat, RecurringJobID(taskID))
		removed = true
	}
	return removed, nil
}

func (q *MemoryQueue) Pending(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[jobID]; ok {
		return true, nil
	}
	_, ok := q.delayed[jobID]
	return ok, nil
}

func (q *MemoryQueue) RecoverActive(ctx context.Context, reason string) ([]string, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := q.finish(id, false); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   int64(len(q.delayed)),
	}, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for id, d := range q.delayed {
		d.timer.Stop()
		delete(q.delayed, id)
	}
	return nil
}
