// Package breaker implements a per-domain circuit breaker guarding outbound
// delivery attempts against a recipient domain that is failing repeatedly.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DomainConfig overrides the default thresholds for a single domain.
type DomainConfig struct {
	FailureThreshold  int
	FailureWindow     time.Duration
	OpenTimeout       time.Duration
	SuccessThreshold  int
}

// Config is the static configuration of a Breaker.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	OpenTimeout      time.Duration
	SuccessThreshold int
	Overrides        map[string]DomainConfig
}

type domainState struct {
	mu                   sync.Mutex
	state                State
	failureCount         int
	firstFailureAt       time.Time
	openedAt             time.Time
	consecutiveSuccesses int
	cfg                  DomainConfig
}

// Breaker tracks per-domain circuit breaker state.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a Breaker from cfg.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg,
		domains: make(map[string]*domainState),
	}
}

func (b *Breaker) stateFor(domain string) *domainState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d, ok := b.domains[domain]; ok {
		return d
	}

	cfg := DomainConfig{
		FailureThreshold: b.cfg.FailureThreshold,
		FailureWindow:    b.cfg.FailureWindow,
		OpenTimeout:      b.cfg.OpenTimeout,
		SuccessThreshold: b.cfg.SuccessThreshold,
	}
	if o, ok := b.cfg.Overrides[domain]; ok {
		cfg = o
	}

	d := &domainState{state: Closed, cfg: cfg}
	b.domains[domain] = d
	return d
}

// ShouldAllowDelivery reports whether a delivery attempt to domain may
// proceed right now. In Open state it flips to HalfOpen once the open
// timeout has elapsed; HalfOpen, like Closed, allows every attempt until
// recorded successes or a failure move the domain out of it.
func (b *Breaker) ShouldAllowDelivery(domain string) bool {
	return b.shouldAllowAt(domain, time.Now())
}

func (b *Breaker) shouldAllowAt(domain string, now time.Time) bool {
	d := b.stateFor(domain)
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if now.Sub(d.openedAt) >= d.cfg.OpenTimeout {
			d.state = HalfOpen
			d.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure reports a failed delivery attempt against domain.
func (b *Breaker) RecordFailure(domain string) {
	b.recordFailureAt(domain, time.Now())
}

func (b *Breaker) recordFailureAt(domain string, now time.Time) {
	d := b.stateFor(domain)
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Closed:
		if d.failureCount == 0 || now.Sub(d.firstFailureAt) > d.cfg.FailureWindow {
			d.firstFailureAt = now
			d.failureCount = 0
		}
		d.failureCount++
		if d.failureCount >= d.cfg.FailureThreshold {
			d.state = Open
			d.openedAt = now
		}
	case HalfOpen:
		d.state = Open
		d.openedAt = now
		d.consecutiveSuccesses = 0
	case Open:
		// A failure observed while already open just extends the outage;
		// nothing to do.
	}
}

// RecordSuccess reports a successful delivery attempt against domain.
func (b *Breaker) RecordSuccess(domain string) {
	d := b.stateFor(domain)
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case Closed:
		d.failureCount = 0
	case HalfOpen:
		d.consecutiveSuccesses++
		if d.consecutiveSuccesses >= d.cfg.SuccessThreshold {
			d.state = Closed
			d.failureCount = 0
			d.consecutiveSuccesses = 0
		}
	case Open:
		// Unexpected: a success can't be attempted while Open since
		// ShouldAllowDelivery would have refused it. Ignore.
	}
}

// StateOf returns the current state for domain, for inspection/control
// interfaces.
func (b *Breaker) StateOf(domain string) State {
	d := b.stateFor(domain)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
