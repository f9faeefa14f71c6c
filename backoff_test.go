package adminchat

import (
	"sync"
	"testing"
	"time"
)

// fakeClock fires every After immediately and records the requested
// durations, so reconnect schedules can be checked without sleeping.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waited []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waited = append(c.waited, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Waited() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waited...)
}

func TestRetryPolicySchedule(t *testing.T) {
	config := &HubConfig{}
	config.defaults()
	config.MaxReconnectAttempts = 6
	p := newRetryPolicy(config)

	want := []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		d, ok := p.next()
		if !ok {
			t.Fatalf("attempt %d: expected to be allowed", i+1)
		}
		if d != w {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, w, d)
		}
	}
	if _, ok := p.next(); ok {
		t.Fatal("expected ceiling to stop further attempts")
	}
	if p.attempts() != 6 {
		t.Fatalf("expected 6 attempts, got %d", p.attempts())
	}

	p.reset()
	if d, ok := p.next(); !ok || d != 0 {
		t.Fatalf("expected reset schedule to restart at 0, got %v %v", d, ok)
	}
}

func TestRetryPolicyCap(t *testing.T) {
	p := newRetryPolicy(&HubConfig{
		ReconnectDelays:      []time.Duration{time.Second, time.Minute},
		ReconnectMaxDelay:    20 * time.Second,
		MaxReconnectAttempts: 3,
	})
	got := []time.Duration{p.delayFor(0), p.delayFor(1), p.delayFor(7)}
	want := []time.Duration{time.Second, 20 * time.Second, 20 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestHubConfigDefaults(t *testing.T) {
	c := &HubConfig{MaxReconnectAttempts: -1}
	c.defaults()
	if c.MaxReconnectAttempts != 5 {
		t.Fatalf("expected non-positive ceiling to default to 5, got %d", c.MaxReconnectAttempts)
	}
	if c.KeepAliveInterval != 15*time.Second || c.ServerTimeout != 30*time.Second {
		t.Fatalf("unexpected heartbeat defaults %v %v", c.KeepAliveInterval, c.ServerTimeout)
	}
	if c.Clock == nil || c.Dialer == nil || c.Logger == nil {
		t.Fatal("expected clock, dialer and logger defaults")
	}
}
