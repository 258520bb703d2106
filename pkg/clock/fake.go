package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake is a deterministic clock for tests. Time only advances when Advance
// or AdvanceTo is called.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters waitHeap
	nextID  uint64
	waiting int
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the duration since t.
func (c *Fake) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *Fake) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Sleep blocks until the clock advances past the wake time.
func (c *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// After returns a channel that receives once the clock advances by d.
func (c *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	if d <= 0 {
		ch <- c.now
		c.mu.Unlock()
		return ch
	}
	c.addWaiter(c.now.Add(d), ch, nil)
	c.waiting++
	c.mu.Unlock()

	return ch
}

// NewTicker returns a Ticker driven by Advance.
func (c *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTicker{
		clock:    c,
		interval: d,
		ch:       make(chan time.Time, 1),
	}
	ft.nextTick = c.now.Add(d)
	ft.id = c.addWaiter(ft.nextTick, nil, ft.tick)
	return ft
}

// NewTimer returns a Timer driven by Advance.
func (c *Fake) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		ft.ch <- c.now
		return ft
	}
	ft.id = c.addWaiter(ft.deadline, ft.ch, nil)
	c.waiting++
	return ft
}

// Advance moves the clock forward by d, firing any waiters that expire.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceTo(c.now.Add(d))
}

// AdvanceTo moves the clock to t, firing any waiters that expire.
func (c *Fake) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceTo(t)
}

// BlockUntilWaiters blocks until at least n goroutines are waiting on the
// clock. Used in tests to make sure goroutines reached their wait points
// before advancing.
func (c *Fake) BlockUntilWaiters(n int) {
	for {
		c.mu.Lock()
		w := c.waiting
		c.mu.Unlock()
		if w >= n {
			return
		}
		time.Sleep(time.Microsecond)
	}
}

// PendingWaiters returns the number of scheduled timers and tickers.
func (c *Fake) PendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}

// advanceTo moves time forward to t, waking waiters in deadline order.
//
// Caller must hold c.mu. The mutex is released while firing so ticker
// callbacks can reschedule themselves, and re-acquired before returning.
func (c *Fake) advanceTo(t time.Time) {
	if t.Before(c.now) {
		return
	}

	type fired struct {
		ch       chan time.Time
		fn       func()
		deadline time.Time
	}
	var toFire []fired
	for c.waiters.Len() > 0 && !c.waiters[0].deadline.After(t) {
		w := heap.Pop(&c.waiters).(*waiter)
		c.now = w.deadline
		toFire = append(toFire, fired{ch: w.ch, fn: w.fn, deadline: w.deadline})
	}
	c.now = t

	c.mu.Unlock()
	for _, w := range toFire {
		if w.ch != nil {
			select {
			case w.ch <- w.deadline:
				c.mu.Lock()
				c.waiting--
				c.mu.Unlock()
			default:
			}
		}
		if w.fn != nil {
			w.fn()
		}
	}
	c.mu.Lock()
}

// addWaiter adds a waiter to the heap. Caller must hold c.mu.
func (c *Fake) addWaiter(deadline time.Time, ch chan time.Time, fn func()) uint64 {
	c.nextID++
	heap.Push(&c.waiters, &waiter{
		deadline: deadline,
		ch:       ch,
		fn:       fn,
		id:       c.nextID,
	})
	return c.nextID
}

// removeWaiter removes a waiter by ID. Caller must hold c.mu.
func (c *Fake) removeWaiter(id uint64) bool {
	for i, w := range c.waiters {
		if w.id == id {
			heap.Remove(&c.waiters, i)
			return true
		}
	}
	return false
}

// waiter represents something waiting for a specific time.
type waiter struct {
	deadline time.Time
	ch       chan time.Time // channel to send on (may be nil)
	fn       func()         // callback to run (may be nil)
	id       uint64
	index    int
}

// waitHeap is a min-heap of waiters ordered by deadline, then ID.
type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id // FIFO for same deadline
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waitHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[0 : n-1]
	return w
}

// fakeTimer implements Timer for Fake.
type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	id       uint64
	mu       sync.Mutex
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true

	t.clock.mu.Lock()
	removed := t.clock.removeWaiter(t.id)
	if removed {
		t.clock.waiting--
	}
	t.clock.mu.Unlock()

	return removed
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock.mu.Lock()
	wasActive := t.clock.removeWaiter(t.id)
	t.deadline = t.clock.now.Add(d)
	t.id = t.clock.addWaiter(t.deadline, t.ch, nil)
	if !wasActive {
		t.clock.waiting++
	}
	t.stopped = false
	t.clock.mu.Unlock()

	return wasActive
}

// fakeTicker implements Ticker for Fake.
type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	nextTick time.Time
	ch       chan time.Time
	id       uint64
	mu       sync.Mutex
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true

	t.clock.mu.Lock()
	t.clock.removeWaiter(t.id)
	t.clock.mu.Unlock()
}

func (t *fakeTicker) Reset(d time.Duration) {
	if d <= 0 {
		panic("non-positive interval for Reset")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock.mu.Lock()
	t.clock.removeWaiter(t.id)
	t.interval = d
	t.nextTick = t.clock.now.Add(d)
	t.id = t.clock.addWaiter(t.nextTick, nil, t.tick)
	t.stopped = false
	t.clock.mu.Unlock()
}

func (t *fakeTicker) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	// Non-blocking send to match time.Ticker behavior.
	select {
	case t.ch <- t.clock.Now():
	default:
	}

	t.clock.mu.Lock()
	t.nextTick = t.nextTick.Add(t.interval)
	t.id = t.clock.addWaiter(t.nextTick, nil, t.tick)
	t.clock.mu.Unlock()
}
