package safety

import (
	"errors"
	"sync"
	"testing"
	"time"

	"phemex-tools/internal/config"
	"phemex-tools/internal/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type alerterSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alerterSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alerterSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func newClockedBreaker(place, cancel, reconnect int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(true, place, cancel, reconnect)
	b.now = clock.now
	return b, clock
}

func TestBreakerReconnectHalfOpenRecovery(t *testing.T) {
	b, clock := newClockedBreaker(5, 5, 2)
	b.SetRecovery(30*time.Second, 1)

	if err := b.RecordReconnect(errors.New("dial failed 1")); err != nil {
		t.Fatalf("RecordReconnect(first) error = %v, want nil", err)
	}
	tripErr := b.RecordReconnect(errors.New("dial failed 2"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(second) error = %v, want ErrCircuitOpen", tripErr)
	}

	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen while cooling down", err)
	}
	clock.advance(10 * time.Second)
	if rem := b.ReconnectCooldownRemaining(); rem != 20*time.Second {
		t.Fatalf("ReconnectCooldownRemaining() = %s, want 20s", rem)
	}

	clock.advance(21 * time.Second)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	if got := b.State(ActionReconnect); got != "half_open" {
		t.Fatalf("State() = %q, want half_open", got)
	}
	if err := b.RecordReconnect(nil); err != nil {
		t.Fatalf("RecordReconnect(success probe) error = %v, want nil", err)
	}
	if got := b.State(ActionReconnect); got != "closed" {
		t.Fatalf("State() = %q, want closed after recovery", got)
	}
}

func TestBreakerReconnectNeedsConfiguredProbePasses(t *testing.T) {
	b, clock := newClockedBreaker(5, 5, 1)
	b.SetRecovery(time.Second, 2)

	_ = b.RecordReconnect(errors.New("dial failed"))
	clock.advance(2 * time.Second)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect() error = %v", err)
	}
	_ = b.RecordReconnect(nil)
	if got := b.State(ActionReconnect); got != "half_open" {
		t.Fatalf("State() after one probe = %q, want half_open", got)
	}
	_ = b.RecordReconnect(nil)
	if got := b.State(ActionReconnect); got != "closed" {
		t.Fatalf("State() after two probes = %q, want closed", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newClockedBreaker(5, 5, 1)
	b.SetRecovery(time.Second, 1)

	tripErr := b.RecordReconnect(errors.New("dial failed"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(trip) error = %v, want ErrCircuitOpen", tripErr)
	}

	clock.advance(2 * time.Second)
	if err := b.AllowReconnect(); err != nil {
		t.Fatalf("AllowReconnect(after cooldown) error = %v, want nil", err)
	}
	tripErr = b.RecordReconnect(errors.New("probe failed"))
	if !errors.Is(tripErr, ErrCircuitOpen) {
		t.Fatalf("RecordReconnect(half-open failure) error = %v, want ErrCircuitOpen", tripErr)
	}
	if err := b.AllowReconnect(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowReconnect() error = %v, want ErrCircuitOpen after re-open", err)
	}
}

func TestBreakerPlaceTripsAndBlocksUntilCooldown(t *testing.T) {
	b, clock := newClockedBreaker(3, 5, 5)
	b.SetRecovery(time.Minute, 1)
	spy := &alerterSpy{}
	b.SetAlerter(spy)

	for i := 0; i < 2; i++ {
		if err := b.RecordPlace(errors.New("rejected")); err != nil {
			t.Fatalf("RecordPlace(%d) error = %v, want nil", i, err)
		}
	}
	if !spy.has("circuit_breaker_near_trip") {
		t.Fatalf("missing near trip alert, got %v", spy.events)
	}
	if err := b.RecordPlace(errors.New("rejected")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPlace(third) error = %v, want ErrCircuitOpen", err)
	}
	if !spy.has("circuit_breaker_trip") {
		t.Fatalf("missing trip alert, got %v", spy.events)
	}
	if err := b.AllowPlace(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("AllowPlace() error = %v, want ErrCircuitOpen", err)
	}
	if err := b.AllowCancel(); err != nil {
		t.Fatalf("AllowCancel() error = %v, circuits must be independent", err)
	}

	clock.advance(time.Minute)
	if err := b.AllowPlace(); err != nil {
		t.Fatalf("AllowPlace(after cooldown) error = %v", err)
	}
	if err := b.RecordPlace(nil); err != nil {
		t.Fatalf("RecordPlace(success) error = %v", err)
	}
	if got := b.State(ActionPlace); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
	if !spy.has("circuit_breaker_recovered") {
		t.Fatalf("missing recovered alert, got %v", spy.events)
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newClockedBreaker(2, 2, 2)
	_ = b.RecordCancel(errors.New("x"))
	_ = b.RecordCancel(nil)
	if err := b.RecordCancel(errors.New("x")); err != nil {
		t.Fatalf("RecordCancel() error = %v, want nil after reset", err)
	}
}

func TestBreakerGuard(t *testing.T) {
	b, _ := newClockedBreaker(1, 1, 1)
	callErr := errors.New("insufficient balance")

	err := b.Guard(ActionPlace, func() error { return callErr })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Guard() error = %v, want trip error", err)
	}
	called := false
	err = b.Guard(ActionPlace, func() error { called = true; return nil })
	if called || !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Guard() called=%v err=%v, want blocked", called, err)
	}

	if err := b.Guard(ActionCancel, func() error { return nil }); err != nil {
		t.Fatalf("Guard(cancel) error = %v", err)
	}
}

func TestBreakerDisabledAndNil(t *testing.T) {
	b := NewBreaker(false, 1, 1, 1)
	for i := 0; i < 5; i++ {
		if err := b.RecordPlace(errors.New("x")); err != nil {
			t.Fatalf("disabled RecordPlace() error = %v", err)
		}
	}
	if got := b.State(ActionPlace); got != "disabled" {
		t.Fatalf("State() = %q, want disabled", got)
	}

	var nilBreaker *Breaker
	if err := nilBreaker.Guard(ActionPlace, func() error { return nil }); err != nil {
		t.Fatalf("nil Guard() error = %v", err)
	}
	if err := nilBreaker.AllowReconnect(); err != nil {
		t.Fatalf("nil AllowReconnect() error = %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	b := FromConfig(config.CircuitBreakerConfig{
		Enabled:              true,
		MaxPlaceFailures:     1,
		MaxCancelFailures:    1,
		MaxReconnectFailures: 1,
		CooldownSec:          5,
		ReconnectProbePasses: 2,
	}, nil, logging.Nop())
	if b.cooldown != 5*time.Second || b.reconnectHalfOpenSuccesses != 2 {
		t.Fatalf("FromConfig() cooldown=%s probes=%d", b.cooldown, b.reconnectHalfOpenSuccesses)
	}
}
