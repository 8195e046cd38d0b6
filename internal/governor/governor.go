// Package governor implements the per-target adaptive request throttle.
//
// Each target carries an explicit budget: the current minimum interval
// between requests and an optional cooling window. Admission is a pure
// check against the injected clock, so tests never need real elapsed
// time. The jittered interval is the principal anti-detection
// mechanism: request cadence toward one target never settles into a
// fixed period.
package governor

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config tunes the governor.
type Config struct {
	// Floor is the hard minimum inter-request interval per target; the
	// effective interval never drops below it regardless of priority
	// pressure.
	Floor time.Duration
	// Ceiling bounds multiplicative widening.
	Ceiling time.Duration
	// Initial is the starting interval for a target never seen before.
	Initial time.Duration
	// NarrowFactor (<1) shrinks the interval on success.
	NarrowFactor float64
	// WidenFactor (>1) grows the interval on block signals.
	WidenFactor float64
	// JitterFraction bounds the random perturbation of each reserved
	// interval: the spacing drawn is interval * (1 ± JitterFraction).
	JitterFraction float64
	// HardCooling is the window after a hard block during which Admit
	// always returns false for the target.
	HardCooling time.Duration
}

func (c Config) withDefaults() Config {
	if c.Floor <= 0 {
		c.Floor = 2 * time.Second
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = 5 * time.Minute
	}
	if c.Initial < c.Floor {
		c.Initial = c.Floor
	}
	if c.NarrowFactor <= 0 || c.NarrowFactor >= 1 {
		c.NarrowFactor = 0.9
	}
	if c.WidenFactor <= 1 {
		c.WidenFactor = 2
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		c.JitterFraction = 0.2
	}
	if c.HardCooling <= 0 {
		c.HardCooling = 10 * time.Minute
	}
	return c
}

// budget is one target's throttle state, guarded by its own lock so
// unrelated targets never contend.
type budget struct {
	mu          sync.Mutex
	interval    time.Duration
	nextAllowed time.Time
	coolingTill time.Time
}

// Governor manages per-target budgets.
type Governor struct {
	cfg   Config
	clock scrape.Clock
	randf func() float64

	mu      sync.Mutex
	budgets map[string]*budget
}

// New creates a Governor with the default random source.
func New(cfg Config, clock scrape.Clock) *Governor {
	return NewWithRand(cfg, clock, rand.Float64)
}

// NewWithRand creates a Governor with an injected random source for
// deterministic tests.
func NewWithRand(cfg Config, clock scrape.Clock, randf func() float64) *Governor {
	return &Governor{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		randf:   randf,
		budgets: make(map[string]*budget),
	}
}

// Admit reports whether a request to targetKey may go out now. It never
// blocks. A positive answer reserves the slot: the next admission for
// the target is pushed out by the jittered current interval. When the
// answer is negative, retryIn is the suggested reschedule delay.
func (g *Governor) Admit(targetKey string) (bool, time.Duration) {
	b := g.budget(targetKey)
	now := g.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.coolingTill.After(now) {
		return false, b.coolingTill.Sub(now)
	}
	if b.nextAllowed.After(now) {
		return false, b.nextAllowed.Sub(now)
	}
	b.nextAllowed = now.Add(g.jittered(b.interval))
	return true, 0
}

// Observe feeds an attempt outcome back into the target's budget.
// Success narrows the interval toward (never below) the floor; block
// signals widen it multiplicatively. A hard block additionally opens
// the cooling window.
func (g *Governor) Observe(targetKey string, outcome scrape.Outcome) {
	b := g.budget(targetKey)
	now := g.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch outcome {
	case scrape.OutcomeSuccess, scrape.OutcomeParseError:
		// A parse error still means the target served us willingly.
		b.interval = max(g.cfg.Floor, time.Duration(float64(b.interval)*g.cfg.NarrowFactor))
	case scrape.OutcomeSoftBlock:
		b.interval = min(g.cfg.Ceiling, time.Duration(float64(b.interval)*g.cfg.WidenFactor))
	case scrape.OutcomeHardBlock:
		b.interval = min(g.cfg.Ceiling, time.Duration(float64(b.interval)*g.cfg.WidenFactor))
		b.coolingTill = now.Add(g.cfg.HardCooling)
	case scrape.OutcomeNetworkError:
		// Not a target signal; leave the budget alone.
	}
}

// Interval returns the target's current interval, for metrics.
func (g *Governor) Interval(targetKey string) time.Duration {
	b := g.budget(targetKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interval
}

func (g *Governor) budget(targetKey string) *budget {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[targetKey]
	if !ok {
		b = &budget{interval: g.cfg.Initial}
		g.budgets[targetKey] = b
	}
	return b
}

// jittered perturbs the interval by ±JitterFraction, clamped at the
// floor so jitter can never tighten spacing past it.
func (g *Governor) jittered(interval time.Duration) time.Duration {
	f := 1 + g.cfg.JitterFraction*(2*g.randf()-1)
	d := time.Duration(float64(interval) * f)
	if d < g.cfg.Floor {
		d = g.cfg.Floor
	}
	return d
}
