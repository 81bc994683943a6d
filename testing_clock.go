package chatws

import (
	"bytes"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// manualClock only fires timers when told to.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// pending returns the timers that are neither stopped nor fired, in creation order.
// Timers with one of the excluded durations are skipped.
func (c *manualClock) pending(exclude ...time.Duration) []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*manualTimer
next:
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		for _, d := range exclude {
			if t.d == d {
				continue next
			}
		}
		out = append(out, t)
	}
	return out
}

func (c *manualClock) fire(t *manualTimer) {
	c.mu.Lock()
	if t.stopped || t.fired {
		c.mu.Unlock()
		return
	}
	t.fired = true
	c.now = c.now.Add(t.d)
	c.mu.Unlock()

	t.f()
}

type mockMessageHandler struct {
	mock.Mock
}

func (m *mockMessageHandler) Handle(f Frame) {
	m.Called(f)
}

// syncBuffer is a bytes.Buffer safe to share between the logger and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
