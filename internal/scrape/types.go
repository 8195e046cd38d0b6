// Package scrape defines core types shared across the scrape engine.
package scrape

import (
	"net/http"
	"strings"
	"time"
)

// TargetKind identifies the class of page a job scrapes.
type TargetKind string

// Target kinds accepted at submission.
const (
	TargetProfile TargetKind = "profile"
	TargetCompany TargetKind = "company"
	TargetContent TargetKind = "content"
)

// Valid reports whether the kind is one the engine knows how to dispatch.
func (k TargetKind) Valid() bool {
	switch k {
	case TargetProfile, TargetCompany, TargetContent:
		return true
	default:
		return false
	}
}

// Priority orders jobs within the queue. Higher values dispatch first.
type Priority int

// Priority tiers from least to most important.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether the priority is a known tier.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(s string) (Priority, bool) {
	for p, name := range priorityNames {
		if name == strings.ToLower(s) {
			return p, true
		}
	}
	return PriorityNormal, false
}

// JobState is the lifecycle state of a scrape job.
type JobState string

// Job states. Succeeded and Dead are terminal.
const (
	JobStateQueued    JobState = "queued"
	JobStateClaimed   JobState = "claimed"
	JobStateSucceeded JobState = "succeeded"
	JobStateDead      JobState = "dead"
	JobStateCanceled  JobState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateDead, JobStateCanceled:
		return true
	default:
		return false
	}
}

// Job is the unit of work owned by the queue. All mutation goes through
// the queue API; callers hold copies.
type Job struct {
	ID             string     `json:"id"`
	Kind           TargetKind `json:"target_kind"`
	Locator        string     `json:"target_locator"`
	Priority       Priority   `json:"priority"`
	State          JobState   `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	ItemsExtracted int        `json:"items_extracted"`
	CreatedAt      time.Time  `json:"created_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	// Sequence is assigned by the queue at enqueue time and breaks
	// priority ties in submission order.
	Sequence uint64 `json:"sequence"`
}

// TargetKey groups jobs that hit the same origin for rate and
// concurrency accounting. Locators are validated at submission, so a
// parse failure here only happens for restored legacy state.
func (j Job) TargetKey() string {
	return TargetKeyFromLocator(j.Locator)
}

// TargetKeyFromLocator derives the rate-accounting key for a locator.
func TargetKeyFromLocator(locator string) string {
	rest := locator
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}

// Outcome classifies a single fetch attempt against the target.
type Outcome string

// Fetch outcomes.
const (
	OutcomeSuccess      Outcome = "success"
	OutcomeSoftBlock    Outcome = "soft_block"
	OutcomeHardBlock    Outcome = "hard_block"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeParseError   Outcome = "parse_error"
)

// Failure reports whether the outcome counts against identity health.
func (o Outcome) Failure() bool {
	switch o {
	case OutcomeSoftBlock, OutcomeHardBlock, OutcomeNetworkError:
		return true
	default:
		return false
	}
}

// ScrapeResult records one fetch attempt. Immutable once produced.
type ScrapeResult struct {
	JobID      string    `json:"job_id"`
	IdentityID string    `json:"identity_id"`
	FetchedAt  time.Time `json:"fetched_at"`
	RawPayload []byte    `json:"-"`
	Outcome    Outcome   `json:"outcome"`
}

// Fingerprint is the behavioral surface an identity presents to the
// target alongside its egress address.
type Fingerprint struct {
	UserAgent      string `json:"user_agent" mapstructure:"user_agent"`
	AcceptLanguage string `json:"accept_language" mapstructure:"accept_language"`
	ViewportWidth  int    `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int    `json:"viewport_height" mapstructure:"viewport_height"`
}

// TransportDescriptor bundles a proxy egress point with its fingerprint.
type TransportDescriptor struct {
	ProxyURL    string      `json:"proxy_url" mapstructure:"proxy_url"`
	Username    string      `json:"username,omitempty" mapstructure:"username"`
	Password    string      `json:"-" mapstructure:"password"`
	Fingerprint Fingerprint `json:"fingerprint" mapstructure:"fingerprint"`
}

// Identity is a rotating egress identity owned by the pool. Callers see
// copies; mutation happens inside the pool under per-identity locking.
type Identity struct {
	ID                  string              `json:"id"`
	Transport           TransportDescriptor `json:"transport"`
	HealthScore         float64             `json:"health_score"`
	CooldownUntil       time.Time           `json:"cooldown_until"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	CooldownStreak      int                 `json:"cooldown_streak"`
	TotalUses           int                 `json:"total_uses"`
	TotalFailures       int                 `json:"total_failures"`
	AvgLatencyMs        float64             `json:"avg_latency_ms"`
	Retired             bool                `json:"retired"`
}

// FetchRequest carries everything a fetcher needs for one attempt.
type FetchRequest struct {
	JobID    string
	Kind     TargetKind
	Locator  string
	Identity Identity
}

// FetchResponse is the raw result of a fetch attempt.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Record is one extracted entity produced by an extraction strategy.
type Record map[string]any

// Action is the retry policy's verdict for a completed attempt.
type Action int

// Retry policy actions.
const (
	ActionSucceed Action = iota
	ActionRetryAfter
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetryAfter:
		return "retry_after"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the full output of the retry policy for one attempt.
type Decision struct {
	Action Action
	// Delay applies when Action is ActionRetryAfter.
	Delay time.Duration
	// RefreshIdentity is set on hard blocks: the next attempt must not
	// reuse the identity that was blocked.
	RefreshIdentity bool
}
