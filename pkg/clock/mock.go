package clock

import (
	"sync"
	"time"
)

// MockClock is a Clock implementation for testing that allows manual time control.
// Timers fire when the clock is moved past their deadline with Add or Set.
type MockClock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current time.Time
	timers  []*mockTimer
}

// NewMock returns a new MockClock set to the given time.
func NewMock(t time.Time) *MockClock {
	c := &MockClock{current: t}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Now returns the mock's current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Since returns the time elapsed since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Until returns the duration until t.
func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

// Set sets the mock clock's time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.fireTimers()
}

// Add advances the mock clock by the given duration.
func (c *MockClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireTimers()
}

// Pending returns the number of timers that are armed and have not fired.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending()
}

// BlockUntil blocks until at least n timers are armed. Tests use it to make
// sure a goroutine has started waiting before the clock is advanced.
func (c *MockClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending() < n {
		c.cond.Wait()
	}
}

// pending must be called with mu held.
func (c *MockClock) pending() int {
	n := 0
	for _, t := range c.timers {
		if t.armed() {
			n++
		}
	}
	return n
}

// fireTimers fires elapsed timers and drops the ones that are done.
// Must be called with mu held.
func (c *MockClock) fireTimers() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.armed() && !c.current.Before(t.deadline) {
			t.fired = true
			select {
			case t.ch <- c.current:
			default:
			}
		}
		if t.armed() {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(c.timers); i++ {
		c.timers[i] = nil
	}
	c.timers = live
	c.cond.Broadcast()
}

// NewTimer returns a new mock Timer. A non-positive duration fires immediately.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.current.Add(d),
	}
	c.timers = append(c.timers, t)
	c.fireTimers()
	return t
}

// After returns a channel that receives the current time after duration d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

// mockTimer state is guarded by the owning clock's mutex.
type mockTimer struct {
	clock    *MockClock
	ch       chan time.Time
	deadline time.Time
	fired    bool
	stopped  bool
}

func (t *mockTimer) armed() bool {
	return !t.fired && !t.stopped
}

func (t *mockTimer) C() <-chan time.Time {
	return t.ch
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := t.armed()
	t.stopped = true
	t.clock.fireTimers()
	return wasPending
}

func (t *mockTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := t.armed()
	if !wasPending {
		t.clock.timers = append(t.clock.timers, t)
	}
	t.fired = false
	t.stopped = false
	t.deadline = t.clock.current.Add(d)
	t.clock.fireTimers()
	return wasPending
}
