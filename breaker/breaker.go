// Package breaker implements per-source circuit breakers.
package breaker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aluiziolira/go-source-aggregator/models"
)

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is matched by every rejection from an open breaker.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Source, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Kind implements models.Kinded.
func (e *OpenError) Kind() string {
	return models.KindCircuit
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(source string, from, to State)

// Registry hands out one breaker per source, creating them on first use.
type Registry struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnStateChange registers a transition hook. It is called without locks held.
func OnStateChange(fn StateChangeFunc) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry returns a registry whose breakers open after threshold
// consecutive failures and admit a single trial call after cooldown.
func NewRegistry(threshold int, cooldown time.Duration, opts ...Option) *Registry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	r := &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for source.
func (r *Registry) Get(source string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[source]
	if !ok {
		b = &Breaker{source: source, registry: r}
		r.breakers[source] = b
	}
	return b
}

// States snapshots the state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.source] = b.State()
	}
	return out
}

// Sources lists known sources in order.
func (r *Registry) Sources() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for source := range r.breakers {
		out = append(out, source)
	}
	sort.Strings(out)
	return out
}

// Breaker guards calls to a single source.
type Breaker struct {
	source   string
	registry *Registry

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	trialing   bool
	generation uint64
}

// State returns the current state. An open breaker whose cooldown elapsed
// still reports OPEN until the next call moves it to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Rejected calls return an *OpenError and do not count as failures, nor do
// context cancellations. An outcome is only recorded if the breaker has not
// changed state since the call was admitted.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn()
	b.record(generation, callErr)
	return callErr
}

func (b *Breaker) admit() (generation uint64, err error) {
	var transition *[2]State

	b.mu.Lock()
	now := b.registry.now()
	switch b.state {
	case Open:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.registry.cooldown {
			b.mu.Unlock()
			return 0, &OpenError{Source: b.source, RetryAfter: b.registry.cooldown - elapsed}
		}
		transition = b.setStateLocked(HalfOpen, now)
		b.trialing = true
	case HalfOpen:
		if b.trialing {
			b.mu.Unlock()
			return 0, &OpenError{Source: b.source}
		}
		b.trialing = true
	}
	generation = b.generation
	b.mu.Unlock()

	if transition != nil {
		b.notify(transition[0], transition[1])
	}
	return generation, nil
}

func (b *Breaker) record(generation uint64, callErr error) {
	var transition *[2]State

	b.mu.Lock()
	if generation != b.generation {
		b.mu.Unlock()
		return
	}
	if b.state == HalfOpen {
		b.trialing = false
	}
	switch {
	case callErr != nil && errors.Is(callErr, context.Canceled):
		// Not the source's fault; a cancelled trial lets the next caller try.
	case callErr == nil:
		b.failures = 0
		if b.state != Closed {
			transition = b.setStateLocked(Closed, b.registry.now())
		}
	default:
		b.failures++
		if b.state == HalfOpen || b.failures >= b.registry.threshold {
			transition = b.setStateLocked(Open, b.registry.now())
		}
	}
	b.mu.Unlock()

	if transition != nil {
		b.notify(transition[0], transition[1])
	}
}

// setStateLocked moves to state and starts a new generation, so results of
// calls admitted earlier are discarded.
func (b *Breaker) setStateLocked(state State, now time.Time) *[2]State {
	from := b.state
	b.state = state
	b.generation++
	switch state {
	case Open:
		b.openedAt = now
	case Closed:
		b.failures = 0
	}
	return &[2]State{from, state}
}

func (b *Breaker) notify(from, to State) {
	if fn := b.registry.onChange; fn != nil {
		fn(b.source, from, to)
	}
}
