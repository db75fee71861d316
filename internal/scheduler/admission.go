package scheduler

import (
	"context"

	"hydrad/pkg/types"
)

// overloadedError signals the waiting queue's soft cap was exceeded.
type overloadedError struct{}

func (overloadedError) Error() string { return "scheduler overloaded: queue soft cap exceeded" }

// ErrOverloaded is returned by Acquire when the queue is full.
var ErrOverloaded error = overloadedError{}

// IsOverloaded reports whether err indicates queue backpressure.
func IsOverloaded(err error) bool {
	_, ok := err.(overloadedError)
	return ok
}

// waiter is one queued admission request.
type waiter struct {
	priority int
	async    bool
	seq      uint64
	ready    chan struct{}
	granted  bool
}

// before orders the waiting queue: priority desc, then non-async before
// async at equal priority, then arrival order.
func (w *waiter) before(o *waiter) bool {
	if w.priority != o.priority {
		return w.priority > o.priority
	}
	if w.async != o.async {
		return !w.async
	}
	return w.seq < o.seq
}

// Permit is an admission token. Release must be called exactly once on every
// path; extra calls are ignored.
type Permit struct {
	s        *Scheduler
	released bool
}

// Release frees the permit and admits the head of the waiting queue.
func (p *Permit) Release() {
	if p == nil || p.s == nil {
		return
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.s.running--
	p.s.admitLocked()
}

// Acquire blocks until a permit is free, the context ends, or the queue
// overflows. Priority orders the queue; ASYNC requests queue behind
// FAST/RELIABLE waiters of equal priority. Cancellation removes the waiter
// without side effects.
func (s *Scheduler) Acquire(ctx context.Context, priority int, mode types.RoutingMode) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.running < s.cfg.MaxInFlight && len(s.waiters) == 0 {
		s.running++
		s.mu.Unlock()
		return &Permit{s: s}, nil
	}
	if len(s.waiters) >= s.cfg.QueueSoftCap {
		s.mu.Unlock()
		return nil, ErrOverloaded
	}
	w := &waiter{
		priority: priority,
		async:    mode == types.ModeAsync,
		seq:      s.seq,
		ready:    make(chan struct{}),
	}
	s.seq++
	s.insertLocked(w)
	// A permit may already be free when all current holders released while
	// this request was queueing behind earlier waiters.
	s.admitLocked()
	s.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{s: s}, nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.granted {
			// Lost the race: the grant already counted us as running.
			s.running--
			s.admitLocked()
			s.mu.Unlock()
			return nil, ctx.Err()
		}
		s.removeLocked(w)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// insertLocked places w at its ordered position.
func (s *Scheduler) insertLocked(w *waiter) {
	at := len(s.waiters)
	for i, o := range s.waiters {
		if w.before(o) {
			at = i
			break
		}
	}
	s.waiters = append(s.waiters, nil)
	copy(s.waiters[at+1:], s.waiters[at:])
	s.waiters[at] = w
}

// removeLocked drops w from the queue if still present.
func (s *Scheduler) removeLocked(w *waiter) {
	for i, o := range s.waiters {
		if o == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// admitLocked grants permits to queue heads while capacity remains.
func (s *Scheduler) admitLocked() {
	for s.running < s.cfg.MaxInFlight && len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.running++
		w.granted = true
		close(w.ready)
	}
}
