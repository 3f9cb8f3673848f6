// Package countdown derives the seconds left in an attempt from its absolute
// expiry instant. Nothing is accumulated between ticks: every reading is
// recomputed from the clock, so a frozen or restarted process reads the same
// value it would have read had it kept running.
package countdown

import (
	"sync"
	"time"

	"github.com/stemsi/exstem-client/internal/model"
)

// Interval is the tick cadence.
const Interval = time.Second

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Controller ticks toward expiresAt and fires onExpire exactly once when the
// remaining time reaches zero.
type Controller struct {
	expiresAt time.Time
	clock     Clock
	onTick    func(remaining int)
	onExpire  func()

	mu        sync.Mutex
	remaining int
	expired   bool
	stop      chan struct{}
	stopOnce  sync.Once
	started   bool
}

// New builds a stopped controller. Either callback may be nil.
func New(expiresAt time.Time, clock Clock, onTick func(remaining int), onExpire func()) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		expiresAt: expiresAt,
		clock:     clock,
		onTick:    onTick,
		onExpire:  onExpire,
		remaining: model.SecondsUntil(expiresAt, clock.Now()),
		stop:      make(chan struct{}),
	}
}

// Start launches the ticking goroutine. Calling it twice is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
}

func (c *Controller) run() {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Tick() == 0 {
				return
			}
		}
	}
}

// Tick recomputes the remaining seconds, reports them, and fires onExpire the
// first time they reach zero. It returns the recomputed value. Ticks after
// Stop are ignored and return the last value.
func (c *Controller) Tick() int {
	select {
	case <-c.stop:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.remaining
	default:
	}

	remaining := model.SecondsUntil(c.expiresAt, c.clock.Now())

	c.mu.Lock()
	c.remaining = remaining
	fire := remaining == 0 && !c.expired
	if fire {
		c.expired = true
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(remaining)
	}
	if fire && c.onExpire != nil {
		c.onExpire()
	}
	return remaining
}

// Remaining returns the value computed by the latest tick.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// ExpiresAt returns the absolute expiry the controller counts toward.
func (c *Controller) ExpiresAt() time.Time {
	return c.expiresAt
}

// Expired reports whether onExpire has fired.
func (c *Controller) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop cancels ticking. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
