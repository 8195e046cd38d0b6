package scrape

import (
	"context"
	"time"
)

// Queue owns job state. A claim is exclusive: at most one worker holds a
// job between ClaimNext and the terminal call for that claim.
type Queue interface {
	// Enqueue validates the job, assigns id/sequence bookkeeping and
	// stores it Queued. Returns the stored copy.
	Enqueue(ctx context.Context, job Job) (Job, error)

	// ClaimNext returns the highest-priority eligible job, FIFO within
	// a tier. ok is false when nothing is eligible right now; callers
	// must wait, not busy-poll.
	ClaimNext(ctx context.Context) (job Job, ok bool, err error)

	// Complete finishes a claim successfully.
	Complete(ctx context.Context, jobID string, itemsExtracted int) error

	// Requeue returns a claimed job to Queued after delay. penalize
	// increments attempt_count; a penalized requeue at the attempt
	// ceiling is redirected to Dead regardless of caller intent.
	Requeue(ctx context.Context, jobID string, delay time.Duration, penalize bool, lastError string) error

	// DeadLetter terminates a claim into the dead state.
	DeadLetter(ctx context.Context, jobID string, lastError string) error

	// Cancel removes a queued job outright or marks a claimed job so
	// its in-flight result is discarded without requeue.
	Cancel(ctx context.Context, jobID string) error

	// Get returns a copy of the job for status reporting.
	Get(ctx context.Context, jobID string) (Job, error)

	// Snapshot returns copies of all non-terminal jobs for checkpointing.
	Snapshot(ctx context.Context) ([]Job, error)

	// Restore loads checkpointed jobs. Jobs found Claimed return to
	// Queued with attempt_count unchanged.
	Restore(ctx context.Context, jobs []Job) error
}

// IdentityPool owns the rotating identity arena.
type IdentityPool interface {
	// Register adds an identity to the pool.
	Register(ctx context.Context, identity Identity) (Identity, error)

	// Acquire leases a healthy, unheld identity, preferring one not
	// most recently used against targetKey. Returns
	// ErrNoIdentityAvailable when none qualify.
	Acquire(ctx context.Context, targetKey string) (Identity, error)

	// Release returns a leased identity with the attempt outcome,
	// updating health, cooldown, and retirement state.
	Release(ctx context.Context, identityID string, outcome Outcome, latency time.Duration) error

	// Retire permanently removes an identity from rotation.
	Retire(ctx context.Context, identityID string) error

	// Get returns a copy of the identity.
	Get(ctx context.Context, identityID string) (Identity, error)

	// Snapshot returns copies of all identities for checkpointing.
	Snapshot(ctx context.Context) ([]Identity, error)

	// Restore loads checkpointed identities.
	Restore(ctx context.Context, identities []Identity) error
}

// Governor is the per-target adaptive throttle.
type Governor interface {
	// Admit reports whether a request to targetKey may go out now.
	// It never blocks; when false, retryIn is the suggested reschedule
	// delay.
	Admit(targetKey string) (ok bool, retryIn time.Duration)

	// Observe feeds an attempt outcome back into the target's budget.
	Observe(targetKey string, outcome Outcome)
}

// RetryPolicy maps a job's failure history to the next action. Decide
// must be deterministic for identical inputs.
type RetryPolicy interface {
	Decide(job Job, outcome Outcome) Decision
}

// Fetcher performs one fetch attempt through the given identity.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns a fetched payload into records. Implementations are
// injected per target kind; layout-specific parsing lives outside the
// engine.
type Extractor interface {
	Extract(payload []byte) ([]Record, error)
}

// ResultSink persists extracted records. Called at most once per job,
// only on success.
type ResultSink interface {
	Store(ctx context.Context, jobID string, records []Record) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// CheckpointStore persists queue and pool state across restarts.
type CheckpointStore interface {
	Save(ctx context.Context, jobs []Job, identities []Identity) error
	Restore(ctx context.Context) ([]Job, []Identity, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and identity ids.
type IDGenerator interface {
	NewID() (string, error)
}
