// Package keypool manages a rotating set of AI credentials with per-key
// health tracking, exponential cooldown, and permanent disablement.
package keypool

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsintel/intelhub/internal/intel"
)

// Outcome classifies how an AI call using a leased key went.
type Outcome int

// Lease outcomes reported back to the pool.
const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeAuthFailure
	OutcomeHardFailure
)

type keyState int

const (
	stateHealthy keyState = iota
	stateCooling
	stateDisabled
)

func (s keyState) String() string {
	switch s {
	case stateHealthy:
		return "healthy"
	case stateCooling:
		return "cooling"
	case stateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Key is one rotatable AI credential.
type Key struct {
	Name       string
	Endpoint   string
	Credential string
	Model      string
}

// Options tunes cooldown growth and the disable threshold.
type Options struct {
	CooldownBase     time.Duration
	CooldownMax      time.Duration
	DisableThreshold int
	Clock            intel.Clock
}

type entry struct {
	key       Key
	state     keyState
	coolUntil time.Time
	failures  int
}

// Pool hands out keys round-robin across the healthy subset.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	next    int
	opts    Options
	logger  *zap.Logger
}

// Lease is a borrowed key. Callers must Release it with an outcome.
type Lease struct {
	Key  Key
	pool *Pool
	idx  int
}

// KeyStatus is one row of a pool snapshot.
type KeyStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	CoolUntil time.Time `json:"cool_until,omitempty"`
}

// New builds a pool over the given keys. All keys start healthy.
func New(keys []Key, opts Options, logger *zap.Logger) *Pool {
	if opts.CooldownBase <= 0 {
		opts.CooldownBase = 30 * time.Second
	}
	if opts.CooldownMax <= 0 {
		opts.CooldownMax = 30 * time.Minute
	}
	if opts.DisableThreshold <= 0 {
		opts.DisableThreshold = 8
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make([]*entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, &entry{key: k})
	}
	return &Pool{entries: entries, opts: opts, logger: logger}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Acquire returns the next healthy key round-robin. Keys whose cooldown has
// elapsed are revived on the way past. Returns intel.ErrCapacityExhausted
// when every key is cooling or disabled.
func (p *Pool) Acquire() (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Clock.Now()
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		e := p.entries[idx]
		if e.state == stateCooling && !now.Before(e.coolUntil) {
			e.state = stateHealthy
			p.logger.Info("key cooldown elapsed", zap.String("key", e.key.Name))
		}
		if e.state != stateHealthy {
			continue
		}
		p.next = (idx + 1) % n
		return Lease{Key: e.key, pool: p, idx: idx}, nil
	}
	return Lease{}, intel.ErrCapacityExhausted
}

// Release reports the call outcome for the leased key. Any failure, auth
// included, cools the key with exponential backoff; only a failure streak
// reaching DisableThreshold takes it out of rotation for good.
func (l Lease) Release(outcome Outcome) {
	if l.pool == nil {
		return
	}
	l.pool.release(l.idx, outcome)
}

func (p *Pool) release(idx int, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.entries[idx]
	if e.state == stateDisabled {
		return
	}

	switch outcome {
	case OutcomeSuccess:
		e.failures = 0
		e.state = stateHealthy
	case OutcomeRateLimited, OutcomeAuthFailure, OutcomeHardFailure:
		e.failures++
		if e.failures >= p.opts.DisableThreshold {
			e.state = stateDisabled
			p.logger.Warn("key disabled after repeated failures",
				zap.String("key", e.key.Name),
				zap.Int("failures", e.failures))
			return
		}
		cooldown := p.cooldownFor(e.failures)
		e.state = stateCooling
		e.coolUntil = p.opts.Clock.Now().Add(cooldown)
		p.logger.Warn("key cooling down",
			zap.String("key", e.key.Name),
			zap.Int("failures", e.failures),
			zap.Duration("cooldown", cooldown))
	}
}

// cooldownFor doubles with each consecutive failure, capped at CooldownMax.
func (p *Pool) cooldownFor(failures int) time.Duration {
	d := float64(p.opts.CooldownBase) * math.Pow(2, float64(failures-1))
	if d > float64(p.opts.CooldownMax) {
		d = float64(p.opts.CooldownMax)
	}
	return time.Duration(d)
}

// Snapshot reports the state of every key for the stats endpoint.
func (p *Pool) Snapshot() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyStatus, 0, len(p.entries))
	for _, e := range p.entries {
		st := KeyStatus{
			Name:     e.key.Name,
			State:    e.state.String(),
			Failures: e.failures,
		}
		if e.state == stateCooling {
			st.CoolUntil = e.coolUntil
		}
		out = append(out, st)
	}
	return out
}

// HealthyCount returns how many keys are currently usable.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Clock.Now()
	count := 0
	for _, e := range p.entries {
		switch e.state {
		case stateHealthy:
			count++
		case stateCooling:
			if !now.Before(e.coolUntil) {
				count++
			}
		}
	}
	return count
}
