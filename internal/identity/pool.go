// Package identity manages the rotating pool of egress identities.
package identity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config tunes pool health and cooldown behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that sends an
	// identity into cooldown.
	FailureThreshold int
	// CooldownBase is the first cooldown duration; each subsequent
	// cooldown grows by CooldownGrowth, capped at CooldownCap.
	CooldownBase   time.Duration
	CooldownGrowth float64
	CooldownCap    time.Duration
	// RetireRatio is the lifetime failure ratio beyond which an
	// identity is permanently retired, once it has RetireMinUses uses.
	RetireRatio   float64
	RetireMinUses int
	// HealthAlpha weights the most recent outcome in the health EMA.
	HealthAlpha float64
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = time.Minute
	}
	if c.CooldownGrowth < 1 {
		c.CooldownGrowth = 2
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = time.Hour
	}
	if c.RetireRatio <= 0 || c.RetireRatio > 1 {
		c.RetireRatio = 0.5
	}
	if c.RetireMinUses <= 0 {
		c.RetireMinUses = 20
	}
	if c.HealthAlpha <= 0 || c.HealthAlpha > 1 {
		c.HealthAlpha = 0.3
	}
	return c
}

// entry wraps one identity with its own lock so unrelated identities
// never contend.
type entry struct {
	mu   sync.Mutex
	id   scrape.Identity
	held bool
}

// Pool is the owned arena of identities. Callers address identities by
// opaque id and only ever see copies.
type Pool struct {
	cfg   Config
	clock scrape.Clock

	mu      sync.RWMutex
	entries map[string]*entry

	lastMu   sync.Mutex
	lastUsed map[string]string // targetKey -> identity id
}

// NewPool constructs an empty Pool.
func NewPool(cfg Config, clock scrape.Clock) *Pool {
	return &Pool{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		entries:  make(map[string]*entry),
		lastUsed: make(map[string]string),
	}
}

// Register adds an identity to the pool.
func (p *Pool) Register(_ context.Context, identity scrape.Identity) (scrape.Identity, error) {
	if identity.ID == "" {
		return scrape.Identity{}, fmt.Errorf("register identity: missing id")
	}
	if identity.HealthScore <= 0 {
		identity.HealthScore = 1.0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[identity.ID]; exists {
		return scrape.Identity{}, fmt.Errorf("register identity %q: already registered", identity.ID)
	}
	p.entries[identity.ID] = &entry{id: identity}
	return identity, nil
}

// Acquire leases a healthy, unheld identity, preferring one not most
// recently used against targetKey. Returns ErrNoIdentityAvailable when
// none qualify; callers back off and retry rather than failing the job.
func (p *Pool) Acquire(_ context.Context, targetKey string) (scrape.Identity, error) {
	now := p.clock.Now()

	p.lastMu.Lock()
	last := p.lastUsed[targetKey]
	p.lastMu.Unlock()

	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	// Rank candidates before trying to take a lease: identities not
	// just used on this target first, healthier first. The ranking keys
	// are snapshotted under each entry's lock; concurrent releases keep
	// mutating the entries while the sort runs.
	type candidate struct {
		e      *entry
		recent bool
		health float64
		uses   int
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		candidates = append(candidates, candidate{
			e:      e,
			recent: e.id.ID == last,
			health: e.id.HealthScore,
			uses:   e.id.TotalUses,
		})
		e.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].recent != candidates[j].recent {
			return !candidates[i].recent
		}
		if candidates[i].health != candidates[j].health {
			return candidates[i].health > candidates[j].health
		}
		return candidates[i].uses < candidates[j].uses
	})

	for _, c := range candidates {
		e := c.e
		e.mu.Lock()
		if e.held || e.id.Retired || e.id.CooldownUntil.After(now) {
			e.mu.Unlock()
			continue
		}
		e.held = true
		e.id.TotalUses++
		leased := e.id
		e.mu.Unlock()

		p.lastMu.Lock()
		p.lastUsed[targetKey] = leased.ID
		p.lastMu.Unlock()
		return leased, nil
	}
	return scrape.Identity{}, scrape.ErrNoIdentityAvailable
}

// Release returns a leased identity with its attempt outcome, updating
// health, cooldown and retirement state.
func (p *Pool) Release(_ context.Context, identityID string, outcome scrape.Outcome, latency time.Duration) error {
	e, err := p.lookup(identityID)
	if err != nil {
		return err
	}
	now := p.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.held {
		return fmt.Errorf("release identity %q: %w", identityID, scrape.ErrInvalidTransition)
	}
	e.held = false

	signal := 0.0
	if !outcome.Failure() {
		signal = 1.0
	}
	e.id.HealthScore = p.cfg.HealthAlpha*signal + (1-p.cfg.HealthAlpha)*e.id.HealthScore

	if outcome.Failure() {
		e.id.ConsecutiveFailures++
		e.id.TotalFailures++
		// A hard block is an immediate cooldown; soft failures wait for
		// the configured streak.
		if outcome == scrape.OutcomeHardBlock || e.id.ConsecutiveFailures >= p.cfg.FailureThreshold {
			p.startCooldown(e, now)
		}
	} else {
		e.id.ConsecutiveFailures = 0
		if latency > 0 {
			ms := float64(latency.Milliseconds())
			if e.id.AvgLatencyMs == 0 {
				e.id.AvgLatencyMs = ms
			} else {
				e.id.AvgLatencyMs = p.cfg.HealthAlpha*ms + (1-p.cfg.HealthAlpha)*e.id.AvgLatencyMs
			}
		}
	}

	if !e.id.Retired && e.id.TotalUses >= p.cfg.RetireMinUses {
		ratio := float64(e.id.TotalFailures) / float64(e.id.TotalUses)
		if ratio > p.cfg.RetireRatio {
			e.id.Retired = true
		}
	}
	return nil
}

// startCooldown puts the entry into a cooldown whose duration grows
// geometrically with the number of cooldowns served, up to the cap.
// Callers hold e.mu.
func (p *Pool) startCooldown(e *entry, now time.Time) {
	e.id.CooldownStreak++
	d := time.Duration(float64(p.cfg.CooldownBase) * math.Pow(p.cfg.CooldownGrowth, float64(e.id.CooldownStreak-1)))
	if d > p.cfg.CooldownCap || d <= 0 {
		d = p.cfg.CooldownCap
	}
	e.id.CooldownUntil = now.Add(d)
	e.id.ConsecutiveFailures = 0
}

// Retire permanently removes an identity from rotation.
func (p *Pool) Retire(_ context.Context, identityID string) error {
	e, err := p.lookup(identityID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.id.Retired = true
	return nil
}

// Get returns a copy of the identity.
func (p *Pool) Get(_ context.Context, identityID string) (scrape.Identity, error) {
	e, err := p.lookup(identityID)
	if err != nil {
		return scrape.Identity{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id, nil
}

// Snapshot returns copies of all identities for checkpointing.
func (p *Pool) Snapshot(_ context.Context) ([]scrape.Identity, error) {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make([]scrape.Identity, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.id)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Restore loads checkpointed identities. Leases do not survive a
// restart, so every restored identity starts unheld.
func (p *Pool) Restore(_ context.Context, identities []scrape.Identity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range identities {
		if id.ID == "" {
			return fmt.Errorf("restore identity: missing id")
		}
		if _, exists := p.entries[id.ID]; exists {
			return fmt.Errorf("restore identity %q: already registered", id.ID)
		}
		p.entries[id.ID] = &entry{id: id}
	}
	return nil
}

// Stats summarizes pool composition for metrics.
func (p *Pool) Stats() (active, cooling, retired int) {
	now := p.clock.Now()
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		switch {
		case e.id.Retired:
			retired++
		case e.id.CooldownUntil.After(now):
			cooling++
		default:
			active++
		}
		e.mu.Unlock()
	}
	return active, cooling, retired
}

func (p *Pool) lookup(identityID string) (*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[identityID]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", identityID, scrape.ErrNotFound)
	}
	return e, nil
}
