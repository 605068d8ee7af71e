// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package breaker implements named circuit breakers guarding calls to
// external services (LLM providers, sandbox runtimes).
//
// A breaker moves through three states: closed (calls flow, consecutive
// failures counted), open (calls rejected until the recovery timeout
// elapses), and half-open (a bounded number of probe calls allowed; enough
// consecutive successes close the breaker, any failure reopens it).
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's current position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned (wrapped in *OpenError) when a call is
// rejected because the breaker is open or the half-open probe budget is
// exhausted.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError reports a rejected call along with how long to wait before
// the next probe is allowed.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config tunes one breaker.
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold" json:"failure_threshold" jsonschema:"description=Consecutive failures before the circuit opens"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout" json:"recovery_timeout" jsonschema:"description=How long the circuit stays open before probing"`
	SuccessThreshold    int           `yaml:"success_threshold" json:"success_threshold" jsonschema:"description=Consecutive half-open successes required to close"`
	HalfOpenMaxInFlight int           `yaml:"half_open_max_concurrent" json:"half_open_max_concurrent" jsonschema:"description=Probe calls allowed concurrently while half-open"`
}

// SetDefaults fills zero fields with the generic defaults.
func (c *Config) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.HalfOpenMaxInFlight == 0 {
		c.HalfOpenMaxInFlight = 1
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success_threshold must be >= 1, got %d", c.SuccessThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout)
	}
	return nil
}

// LLMDefaults is the breaker profile for LLM provider calls.
func LLMDefaults() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryTimeout:     30 * time.Second,
		SuccessThreshold:    2,
		HalfOpenMaxInFlight: 1,
	}
}

// SandboxDefaults is the breaker profile for sandbox provisioning calls.
func SandboxDefaults() Config {
	return Config{
		FailureThreshold:    3,
		RecoveryTimeout:     60 * time.Second,
		SuccessThreshold:    1,
		HalfOpenMaxInFlight: 1,
	}
}

// Breaker is one named circuit. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenInFlight int

	now func() time.Time // test hook
}

// New creates a breaker in the closed state.
func New(name string, cfg Config) *Breaker {
	cfg.SetDefaults()
	return &Breaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// Name returns the breaker's identifier.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, advancing open→half-open if the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// maybeProbe transitions open→half-open once the recovery timeout has
// passed. Caller holds the lock.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		b.halfOpenInFlight = 0
		slog.Info("circuit half-open, probing", "circuit", b.name)
	}
}

// Allow reports whether a call may proceed right now. A true result
// reserves a half-open probe slot when applicable; the caller must follow
// up with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInFlight {
			return &OpenError{Name: b.name, RetryAfter: b.cfg.RecoveryTimeout}
		}
		b.halfOpenInFlight++
		return nil
	default:
		return &OpenError{Name: b.name, RetryAfter: b.timeUntilRetryLocked()}
	}
}

// RecordSuccess registers a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			slog.Info("circuit closed", "circuit", b.name)
		}
	}
}

// RecordFailure registers a failed call. Rejections caused by this or
// another breaker (errors wrapping ErrCircuitOpen) are not failures of
// the guarded service and are ignored.
func (b *Breaker) RecordFailure(err error) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.open()
	}
}

// open moves to the open state. Caller holds the lock.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	slog.Warn("circuit opened", "circuit", b.name,
		"failures", b.failures, "recovery_timeout", b.cfg.RecoveryTimeout)
}

// TimeUntilRetry returns how long until an open breaker will admit a
// probe; zero when calls are currently allowed.
func (b *Breaker) TimeUntilRetry() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	if b.state != StateOpen {
		return 0
	}
	return b.timeUntilRetryLocked()
}

func (b *Breaker) timeUntilRetryLocked() time.Duration {
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Call runs fn under the breaker: rejected immediately when open,
// outcome recorded otherwise. Context cancellation counts as a failure
// only when fn itself returns the error.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// Registry holds breakers by name, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults func(name string) Config
}

// NewRegistry creates a registry. defaults picks the config for a newly
// created breaker; nil uses the generic Config defaults.
func NewRegistry(defaults func(name string) Config) *Registry {
	if defaults == nil {
		defaults = func(string) Config {
			var c Config
			c.SetDefaults()
			return c
		}
	}
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaults}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults(name))
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker's state, for diagnostics.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
