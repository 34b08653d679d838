package dbpool

// Delivery is an acquire outcome carried over a channel.
type Delivery struct {
	Slot *Slot
	Err  error
}

// ChanWaiter is a Waiter that hands the outcome to another thread over
// a channel. Used by blocking handlers, which cannot suspend on the
// reactor: the worker thread posts an acquire via Host.Defer and blocks
// receiving on C.
type ChanWaiter struct {
	C chan Delivery
}

// NewChanWaiter creates a waiter with a buffered outcome channel, so
// Deliver never blocks the reactor.
func NewChanWaiter() *ChanWaiter {
	return &ChanWaiter{C: make(chan Delivery, 1)}
}

// Deliver implements Waiter.
func (w *ChanWaiter) Deliver(s *Slot, err error) {
	w.C <- Delivery{Slot: s, Err: err}
}
