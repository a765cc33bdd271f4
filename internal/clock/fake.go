package clock

import (
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves on Advance.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
	changed *sync.Cond
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Fake returns a FakeClock set to initial
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a ticker firing every d of fake time
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ft := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  ch,
	}
	c.tickers = append(c.tickers, ft)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ft.stopped = true
		},
	}
}

// Advance moves time forward by d and fires every ticker deadline that
// falls inside the window, once per elapsed interval. Sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	for _, ft := range c.tickers {
		for !ft.stopped && !ft.deadline.After(c.current) {
			select {
			case ft.channel <- ft.deadline:
			default:
			}
			ft.deadline = ft.deadline.Add(ft.interval)
		}
	}
}

// WaitForTickers blocks until at least n live tickers are registered.
// It closes the race between a goroutine creating its ticker and the
// test advancing the clock.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveLocked() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) liveLocked() int {
	n := 0
	for _, ft := range c.tickers {
		if !ft.stopped {
			n++
		}
	}
	return n
}
