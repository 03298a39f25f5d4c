package ws

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler is a single priority-queue timer shared by every chat, call and
// session so the process never holds one OS timer per entity. Callbacks run
// on the scheduler goroutine; anything slow must hop to its own goroutine.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	nextID  uint64
	wakeup  chan struct{}
	done    chan struct{}
	stopped bool
}

type scheduledTimer struct {
	id       uint64
	deadline time.Time
	fn       func()
	index    int
	canceled bool
}

// TimerHandle cancels a pending timer. Zero value is a no-op handle.
type TimerHandle struct {
	s  *Scheduler
	id uint64
	t  *scheduledTimer
}

func NewScheduler() *Scheduler {
	s := &Scheduler{
		wakeup: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule runs fn after delay. The returned handle may be used to cancel.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return TimerHandle{}
	}
	s.nextID++
	t := &scheduledTimer{
		id:       s.nextID,
		deadline: time.Now().Add(delay),
		fn:       fn,
	}
	heap.Push(&s.heap, t)
	s.kick()
	return TimerHandle{s: s, id: t.id, t: t}
}

// Cancel marks the timer dead. Safe to call twice or on a fired timer.
func (h TimerHandle) Cancel() {
	if h.s == nil {
		return
	}
	h.s.mu.Lock()
	if h.t != nil && h.t.id == h.id {
		h.t.canceled = true
	}
	h.s.mu.Unlock()
}

// Stop drains the scheduler. Pending timers never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) kick() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].deadline)
		}
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.done:
			return
		case <-s.wakeup:
			continue
		case <-timer.C:
		}

		for {
			s.mu.Lock()
			if len(s.heap) == 0 || s.heap[0].deadline.After(time.Now()) {
				s.mu.Unlock()
				break
			}
			t := heap.Pop(&s.heap).(*scheduledTimer)
			s.mu.Unlock()
			if !t.canceled {
				t.fn()
			}
		}
	}
}

type timerHeap []*scheduledTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*scheduledTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
