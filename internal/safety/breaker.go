package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"phemex-tools/internal/config"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/notify"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace     Action = "place order"
	ActionCancel    Action = "cancel order"
	ActionReconnect Action = "reconnect"
)

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type circuit struct {
	name            Action
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker counts consecutive failures per action and refuses further
// attempts once a threshold is hit. After the cooldown one probe is let
// through (half-open); a failed probe re-opens the circuit.
type Breaker struct {
	enabled bool

	mu        sync.Mutex
	place     circuit
	cancel    circuit
	reconnect circuit

	cooldown                   time.Duration
	reconnectHalfOpenSuccesses int

	alerter notify.Alerter
	log     *logging.Entry
	now     func() time.Time
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures, maxReconnectFailures int) *Breaker {
	return &Breaker{
		enabled:                    enabled,
		place:                      circuit{name: ActionPlace, maxFailures: maxPlaceFailures, state: circuitClosed},
		cancel:                     circuit{name: ActionCancel, maxFailures: maxCancelFailures, state: circuitClosed},
		reconnect:                  circuit{name: ActionReconnect, maxFailures: maxReconnectFailures, state: circuitClosed},
		cooldown:                   defaultCooldown,
		reconnectHalfOpenSuccesses: defaultHalfOpenSuccesses,
		log:                        logging.Nop().WithComponent("breaker"),
		now:                        func() time.Time { return time.Now().UTC() },
	}
}

func FromConfig(cfg config.CircuitBreakerConfig, alerter notify.Alerter, log *logging.Log) *Breaker {
	b := NewBreaker(cfg.Enabled, cfg.MaxPlaceFailures, cfg.MaxCancelFailures, cfg.MaxReconnectFailures)
	b.SetRecovery(time.Duration(cfg.CooldownSec)*time.Second, cfg.ReconnectProbePasses)
	b.SetAlerter(alerter)
	b.log = log.WithComponent("breaker")
	return b
}

// SetRecovery sets the open-state cooldown for every circuit and the number
// of successful probes a half-open reconnect circuit needs before closing.
func (b *Breaker) SetRecovery(cooldown time.Duration, reconnectProbePasses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if reconnectProbePasses < 1 {
		reconnectProbePasses = defaultHalfOpenSuccesses
	}
	b.cooldown = cooldown
	b.reconnectHalfOpenSuccesses = reconnectProbePasses
}

func (b *Breaker) SetAlerter(alerter notify.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) AllowPlace() error     { return b.allow(b.circuitFor(ActionPlace)) }
func (b *Breaker) AllowCancel() error    { return b.allow(b.circuitFor(ActionCancel)) }
func (b *Breaker) AllowReconnect() error { return b.allow(b.circuitFor(ActionReconnect)) }

func (b *Breaker) RecordPlace(err error) error     { return b.record(b.circuitFor(ActionPlace), err) }
func (b *Breaker) RecordCancel(err error) error    { return b.record(b.circuitFor(ActionCancel), err) }
func (b *Breaker) RecordReconnect(err error) error { return b.record(b.circuitFor(ActionReconnect), err) }

func (b *Breaker) ResetReconnect() {
	_ = b.RecordReconnect(nil)
}

// Guard runs fn only when the action's circuit allows it and records the
// outcome. A trip caused by this call replaces fn's error.
func (b *Breaker) Guard(action Action, fn func() error) error {
	c := b.circuitFor(action)
	if err := b.allow(c); err != nil {
		return err
	}
	err := fn()
	if trip := b.record(c, err); trip != nil {
		return trip
	}
	return err
}

func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	c := b.circuitFor(action)
	if c == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	return b.CooldownRemaining(ActionReconnect)
}

// State reports the circuit state as a string for status output.
func (b *Breaker) State(action Action) string {
	if b == nil || !b.enabled {
		return "disabled"
	}
	c := b.circuitFor(action)
	if c == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(c.state)
}

func (b *Breaker) circuitFor(action Action) *circuit {
	if b == nil {
		return nil
	}
	switch action {
	case ActionPlace:
		return &b.place
	case ActionCancel:
		return &b.cancel
	case ActionReconnect:
		return &b.reconnect
	}
	return nil
}

func (b *Breaker) allow(c *circuit) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	cooldownSec := int64(b.cooldown / time.Second)
	b.mu.Unlock()

	b.log.WithFields(logging.Fields{
		"action":       string(c.name),
		"cooldown_sec": cooldownSec,
	}).Info("circuit breaker half open")
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       string(c.name),
			"cooldown_sec": strconv.FormatInt(cooldownSec, 10),
		})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	name := string(c.name)

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.name != ActionReconnect || c.halfOpenSuccess >= b.reconnectHalfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitOpen:
			// A success while open came from a call that bypassed allow; leave the state alone.
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			b.log.WithFields(logging.Fields{
				"action":                        name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit breaker recovered")
			if alerter != nil && prevState != circuitClosed {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		alerter := b.alerter
		limit := c.maxFailures
		b.mu.Unlock()
		b.log.WithError(err).WithFields(logging.Fields{
			"action":    name,
			"phase":     "half_open",
			"threshold": limit,
		}).Error("circuit breaker trip")
		if alerter != nil {
			alerter.Important("circuit_breaker_trip", map[string]string{
				"action":     name,
				"phase":      "half_open",
				"threshold":  strconv.Itoa(limit),
				"last_error": err.Error(),
			})
		}
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := shouldWarnNearTrip(c.name, failures, limit)
		b.mu.Unlock()
		if nearTrip {
			b.log.WithError(err).WithFields(logging.Fields{
				"action":               name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).Warn("circuit breaker near trip")
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               name,
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(limit),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.log.WithError(err).WithFields(logging.Fields{
		"action":               name,
		"consecutive_failures": failures,
		"threshold":            limit,
	}).Error("circuit breaker trip")
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, c.name, failures, b.cooldown.String(), reason, err)
	return c.openErr
}

func shouldWarnNearTrip(action Action, failures, limit int) bool {
	if limit <= 1 || failures != limit-1 {
		return false
	}
	return action == ActionPlace || action == ActionCancel
}
