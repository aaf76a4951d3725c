package queue

import (
	"context"
	"sync"

	"tikfetch/pkg/logger"
)

// Queue bounds how much work each key (one end user) may have in flight
// or waiting, and runs a key's admitted work one unit at a time. Work for
// different keys never waits on each other.
//
// A key's lane exists only while it has pending requests. The bookkeeping
// mutex guards the lane map and counts and is never held while waiting
// for a lane.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	lanes   map[int64]*lane
	log     logger.Logger
}

// lane is the per-key state. pending counts admitted requests, waiting or
// running. lock is a one-slot semaphore so waiting can observe ctx.
type lane struct {
	pending int
	lock    chan struct{}
}

// New creates a queue. maxSize <= 0 disables the per-key cap; requests
// for the same key are still serialized.
func New(maxSize int, log logger.Logger) *Queue {
	return &Queue{
		maxSize: maxSize,
		lanes:   make(map[int64]*lane),
		log:     logger.OrDefault(log).WithField("component", "queue"),
	}
}

// Admission is the result of Acquire. Release must be called once the
// admitted work finishes; extra calls are no-ops. Rejected and bypass
// admissions release as no-ops as well.
type Admission struct {
	ok     bool
	bypass bool
	q      *Queue
	key    int64
	ln     *lane
	once   sync.Once
}

// OK reports whether the request was admitted
func (a *Admission) OK() bool {
	return a != nil && a.ok
}

// Bypassed reports whether the admission skipped the queue entirely
func (a *Admission) Bypassed() bool {
	return a != nil && a.bypass
}

// Release gives up the key's lane and the reserved slot
func (a *Admission) Release() {
	if a == nil || a.ln == nil {
		return
	}
	a.once.Do(func() {
		<-a.ln.lock
		a.q.unreserve(a.key, a.ln)
	})
}

// Acquire asks to run work for key.
//
// With bypass set the request is admitted at once, takes no capacity and
// is not serialized. Otherwise a key already holding maxSize requests is
// rejected immediately (OK() == false, nil error). Admitted requests wait
// for the key's earlier work to finish; there is no timeout beyond ctx.
// If ctx ends while waiting the reserved slot is returned and ctx.Err()
// is reported.
func (q *Queue) Acquire(ctx context.Context, key int64, bypass bool) (*Admission, error) {
	if bypass {
		q.log.DebugWithFields("Admission bypassed", map[string]interface{}{"key": key})
		return &Admission{ok: true, bypass: true}, nil
	}

	q.mu.Lock()
	ln, ok := q.lanes[key]
	if ok && q.maxSize > 0 && ln.pending >= q.maxSize {
		pending := ln.pending
		q.mu.Unlock()
		q.log.DebugWithFields("Admission rejected", map[string]interface{}{
			"key":     key,
			"pending": pending,
			"max":     q.maxSize,
		})
		return &Admission{}, nil
	}
	if !ok {
		ln = &lane{lock: make(chan struct{}, 1)}
		q.lanes[key] = ln
	}
	ln.pending++
	q.mu.Unlock()

	select {
	case ln.lock <- struct{}{}:
		return &Admission{ok: true, q: q, key: key, ln: ln}, nil
	case <-ctx.Done():
		q.unreserve(key, ln)
		return &Admission{}, ctx.Err()
	}
}

func (q *Queue) unreserve(key int64, ln *lane) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ln.pending--
	if ln.pending <= 0 && q.lanes[key] == ln {
		delete(q.lanes, key)
	}
}

// Do runs fn under an admission for key and always releases it. The
// boolean is false when the key was at capacity and fn did not run.
func (q *Queue) Do(ctx context.Context, key int64, bypass bool, fn func(ctx context.Context) error) (bool, error) {
	adm, err := q.Acquire(ctx, key, bypass)
	if err != nil {
		return false, err
	}
	if !adm.OK() {
		return false, nil
	}
	defer adm.Release()
	return true, fn(ctx)
}

// Pending returns the number of admitted requests for key, waiting or
// running
func (q *Queue) Pending(key int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[key]; ok {
		return ln.pending
	}
	return 0
}

// ActiveKeys returns how many keys currently hold a lane
func (q *Queue) ActiveKeys() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// MaxSize returns the per-key cap (zero or less means no cap)
func (q *Queue) MaxSize() int {
	return q.maxSize
}
