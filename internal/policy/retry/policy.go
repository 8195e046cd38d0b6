// Package retry maps a job's failure history to its next action.
package retry

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// ParseErrorPrefix marks a job whose previous attempt failed in
// extraction. The dispatcher records it in last_error; Decide uses it
// to enforce the retry-once rule for layout drift.
const ParseErrorPrefix = "parse_error"

// Config tunes backoff shape.
type Config struct {
	// AttemptCeiling bounds target-side attempts before dead-letter.
	AttemptCeiling int
	// BaseDelay is the first retry delay; it doubles per attempt up to
	// MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.AttemptCeiling <= 0 {
		c.AttemptCeiling = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = time.Minute
	}
	return c
}

// Policy is a pure decision function over (job, outcome). Identical
// inputs always yield identical decisions, so recorded outcomes can be
// replayed.
type Policy struct {
	cfg Config
}

// New constructs a Policy.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// Decide returns the next action for a job whose latest attempt ended
// with outcome. job.AttemptCount is the count before this attempt is
// committed.
func (p *Policy) Decide(job scrape.Job, outcome scrape.Outcome) scrape.Decision {
	switch outcome {
	case scrape.OutcomeSuccess:
		return scrape.Decision{Action: scrape.ActionSucceed}

	case scrape.OutcomeParseError:
		// Layout drift, not transience: one retry, then a human looks.
		if strings.HasPrefix(job.LastError, ParseErrorPrefix) || p.exhausted(job) {
			return scrape.Decision{Action: scrape.ActionDeadLetter}
		}
		return scrape.Decision{Action: scrape.ActionRetryAfter, Delay: p.backoff(job)}

	case scrape.OutcomeNetworkError, scrape.OutcomeSoftBlock:
		if p.exhausted(job) {
			return scrape.Decision{Action: scrape.ActionDeadLetter}
		}
		return scrape.Decision{Action: scrape.ActionRetryAfter, Delay: p.backoff(job)}

	case scrape.OutcomeHardBlock:
		if p.exhausted(job) {
			return scrape.Decision{Action: scrape.ActionDeadLetter}
		}
		return scrape.Decision{
			Action:          scrape.ActionRetryAfter,
			Delay:           p.backoff(job),
			RefreshIdentity: true,
		}

	default:
		return scrape.Decision{Action: scrape.ActionDeadLetter}
	}
}

// exhausted reports whether committing this failed attempt reaches the
// ceiling.
func (p *Policy) exhausted(job scrape.Job) bool {
	return job.AttemptCount+1 >= p.cfg.AttemptCeiling
}

// backoff computes an exponential delay with deterministic jitter. The
// jitter derives from a hash of (job id, attempt) rather than a random
// source so Decide stays a pure function: the same job never retries on
// a fixed cadence, yet replays are exact.
func (p *Policy) backoff(job scrape.Job) time.Duration {
	delay := p.cfg.BaseDelay << uint(job.AttemptCount)
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	half := delay / 2
	return half + time.Duration(float64(half)*hashFraction(job.ID, job.AttemptCount))
}

// hashFraction maps (id, attempt) to [0, 1).
func hashFraction(id string, attempt int) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	_, _ = h.Write([]byte(strconv.Itoa(attempt)))
	return float64(h.Sum64()%1000) / 1000
}
