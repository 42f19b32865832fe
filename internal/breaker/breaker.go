// Hookrelay is a webhook ingestion and delivery service.
// Copyright (C) 2025 Hookrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package breaker implements a consecutive-failure circuit breaker guarding
// the downstream delivery target.
//
// The breaker is CLOSED until FailureThreshold consecutive failures open it.
// While OPEN, execution is refused until RecoveryTimeout has elapsed, at
// which point the breaker probes in HALF_OPEN. HalfOpenSuccesses consecutive
// successes close it again; any failure in HALF_OPEN reopens it immediately.
package breaker

import (
	"sync"
	"time"

	"hookrelay/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the conventional name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the breaker thresholds. Zero values take the defaults.
type Config struct {
	FailureThreshold  int           // consecutive failures before opening
	RecoveryTimeout   time.Duration // open duration before probing
	HalfOpenSuccesses int           // consecutive successes to close
}

// Breaker is a mutex-guarded circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	state     State
	failures  int // consecutive failures while CLOSED
	successes int // consecutive successes while HALF_OPEN
	openedAt  time.Time
}

// New returns a closed Breaker. Unset config fields default to a threshold
// of 5 failures, a 30s recovery timeout, and 3 half-open successes.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	metrics.SetCircuitBreakerState(float64(StateClosed))
	return b
}

// CanExecute reports whether a delivery attempt may proceed. An elapsed
// recovery timeout transitions OPEN to HALF_OPEN as a side effect.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful delivery to the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	case StateOpen:
		// No attempt should complete while open; ignore.
	}
}

// RecordFailure reports a failed delivery to the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// A single probe failure reopens for a fresh recovery window.
		b.open()
	case StateOpen:
	}
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.setState(StateOpen)
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetCircuitBreakerState(float64(s))
}
