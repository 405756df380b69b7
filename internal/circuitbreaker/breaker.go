// Package circuitbreaker stops calling a processor operation after repeated
// transient failures and probes it again after a cooldown.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the circuit state of one operation.
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

var stateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pactum",
	Subsystem: "circuitbreaker",
	Name:      "state_changes_total",
	Help:      "Circuit state changes by operation and new state.",
}, []string{"operation", "state"})

func init() {
	prometheus.MustRegister(stateChanges)
}

// ErrOpen is returned by Execute while an operation's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker keeps one circuit per operation name.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New returns a breaker that opens an operation after threshold consecutive
// failures and lets one probe through once cooldown has passed.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for cooldowns.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// Execute runs fn unless op's circuit is open. isFailure decides which
// errors count against the circuit; nil counts every error. Errors that do
// not count still close a half-open circuit, since the processor answered.
func (b *Breaker) Execute(op string, fn func() error, isFailure func(error) bool) error {
	if !b.acquire(op) {
		return ErrOpen
	}
	err := fn()
	b.record(op, err != nil && (isFailure == nil || isFailure(err)))
	return err
}

// State reports op's circuit. Unknown operations are closed.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the operations whose circuit is not closed, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ops []string
	for op, c := range b.circuits {
		if c.state != StateClosed {
			ops = append(ops, op)
		}
	}
	sort.Strings(ops)
	return ops
}

func (b *Breaker) acquire(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.setState(op, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

func (b *Breaker) record(op string, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		if !failed {
			return
		}
		c = &circuit{}
		b.circuits[op] = c
	}
	c.probing = false

	if !failed {
		c.failures = 0
		b.setState(op, c, StateClosed)
		return
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.setState(op, c, StateOpen)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(op string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	stateChanges.WithLabelValues(op, to.String()).Inc()
}
