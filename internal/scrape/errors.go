package scrape

import "errors"

// Sentinel errors returned by the owned arenas. Callers classify with
// errors.Is; everything else wraps one of these or is a system fault.
var (
	// ErrNotFound means the referenced job or identity id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a queue transition was requested that
	// the job's current state does not allow (for example completing a
	// claim twice).
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidJob means the submission failed validation and was
	// never enqueued.
	ErrInvalidJob = errors.New("invalid job")

	// ErrNoIdentityAvailable is transient: every identity is held,
	// cooling down, or retired. Callers back off and retry; it is not a
	// job failure.
	ErrNoIdentityAvailable = errors.New("no identity available")

	// ErrCanceled is returned when a claim transition lands on a job
	// that was canceled while in flight. The fetch result is discarded
	// and the job stays terminal.
	ErrCanceled = errors.New("job canceled")

	// ErrQueueClosed is returned once the queue has been shut down.
	ErrQueueClosed = errors.New("queue closed")
)
