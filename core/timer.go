package core

import (
	"container/heap"
	"time"
)

// timerEntry is one pending deadline. It either wakes a task or runs a
// function on the reactor; exactly one of task/fn is set.
type timerEntry struct {
	deadline time.Time
	seq      uint64 // FIFO among equal deadlines
	task     *Task
	fn       func()
	stopped  bool
}

// timerHeap orders entries by deadline, then insertion order. Firing is
// monotonic: an entry fires at most once and only when its deadline has
// passed.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// nextDeadline returns the nearest pending deadline, skipping stopped
// entries, and false if none is pending.
func (h *timerHeap) nextDeadline() (time.Time, bool) {
	for h.Len() > 0 {
		e := (*h)[0]
		if !e.stopped {
			return e.deadline, true
		}
		heap.Pop(h)
	}
	return time.Time{}, false
}

// Sleep suspends the task for at least d.
func (t *Task) Sleep(d time.Duration) {
	e := &timerEntry{deadline: time.Now().Add(d), task: t}
	t.r.addTimer(e)
	// The entry must not fire a second park if the task unwinds on
	// cancellation before the deadline.
	defer func() { e.stopped = true }()
	t.park(SuspendTimer)
}
