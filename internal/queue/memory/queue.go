// Package memory provides the in-process job queue and its state machine.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config controls queue behavior.
type Config struct {
	// AttemptCeiling bounds attempt_count; a penalized requeue that
	// reaches it is redirected to the dead state.
	AttemptCeiling int
}

// Queue is a priority-ordered, in-memory job store. Jobs are owned by
// the queue; callers only ever see copies.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	clock   scrape.Clock
	jobs    map[string]*scrape.Job
	pending *jobHeap
	// canceled marks claims whose results must be discarded.
	canceled map[string]struct{}
	seq      uint64
	closed   bool
}

// New constructs a Queue.
func New(cfg Config, clock scrape.Clock) *Queue {
	if cfg.AttemptCeiling <= 0 {
		cfg.AttemptCeiling = 5
	}
	q := &Queue{
		cfg:      cfg,
		clock:    clock,
		jobs:     make(map[string]*scrape.Job),
		pending:  &jobHeap{},
		canceled: make(map[string]struct{}),
	}
	heap.Init(q.pending)
	return q
}

// Enqueue validates and stores a job in the queued state, assigning a
// monotonically increasing sequence for FIFO ordering within a tier.
func (q *Queue) Enqueue(_ context.Context, job scrape.Job) (scrape.Job, error) {
	if err := validate(job); err != nil {
		return scrape.Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scrape.Job{}, scrape.ErrQueueClosed
	}
	if _, exists := q.jobs[job.ID]; exists {
		return scrape.Job{}, fmt.Errorf("%w: duplicate job id %q", scrape.ErrInvalidJob, job.ID)
	}

	now := q.clock.Now()
	q.seq++
	job.Sequence = q.seq
	job.State = scrape.JobStateQueued
	job.AttemptCount = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.NextEligibleAt.IsZero() {
		job.NextEligibleAt = job.CreatedAt
	}

	stored := job
	q.jobs[job.ID] = &stored
	heap.Push(q.pending, &stored)
	return stored, nil
}

// ClaimNext returns the highest-priority queued job whose eligibility
// time has passed, FIFO within a priority tier. ok is false when no job
// is eligible right now.
func (q *Queue) ClaimNext(_ context.Context) (scrape.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scrape.Job{}, false, scrape.ErrQueueClosed
	}

	now := q.clock.Now()
	var deferred []*scrape.Job
	defer func() {
		for _, j := range deferred {
			heap.Push(q.pending, j)
		}
	}()

	for q.pending.Len() > 0 {
		job := heap.Pop(q.pending).(*scrape.Job)
		if job.State != scrape.JobStateQueued {
			// Canceled or otherwise transitioned while pending.
			continue
		}
		if job.NextEligibleAt.After(now) {
			deferred = append(deferred, job)
			continue
		}
		job.State = scrape.JobStateClaimed
		return *job, true, nil
	}
	return scrape.Job{}, false, nil
}

// Complete finishes a claim successfully. Returns ErrCanceled if the
// job was canceled mid-flight; the caller must discard its result.
func (q *Queue) Complete(_ context.Context, jobID string, itemsExtracted int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.claimed(jobID)
	if err != nil {
		return err
	}
	if q.discardCanceled(job) {
		return scrape.ErrCanceled
	}
	job.AttemptCount++
	job.ItemsExtracted = itemsExtracted
	job.LastError = ""
	q.finish(job, scrape.JobStateSucceeded)
	return nil
}

// Requeue returns a claimed job to the queue after delay. penalize
// increments attempt_count; reaching the attempt ceiling redirects the
// job to the dead state regardless of caller intent.
func (q *Queue) Requeue(_ context.Context, jobID string, delay time.Duration, penalize bool, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.claimed(jobID)
	if err != nil {
		return err
	}
	if q.discardCanceled(job) {
		return scrape.ErrCanceled
	}
	if lastError != "" {
		job.LastError = lastError
	}
	if penalize {
		job.AttemptCount++
		if job.AttemptCount >= q.cfg.AttemptCeiling {
			q.finish(job, scrape.JobStateDead)
			return nil
		}
	}
	job.State = scrape.JobStateQueued
	job.NextEligibleAt = q.clock.Now().Add(delay)
	heap.Push(q.pending, job)
	return nil
}

// DeadLetter terminates a claim into the dead state.
func (q *Queue) DeadLetter(_ context.Context, jobID string, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.claimed(jobID)
	if err != nil {
		return err
	}
	if q.discardCanceled(job) {
		return scrape.ErrCanceled
	}
	job.AttemptCount++
	if lastError != "" {
		job.LastError = lastError
	}
	q.finish(job, scrape.JobStateDead)
	return nil
}

// Cancel removes a queued job outright. A claimed job is canceled
// cooperatively: the in-flight fetch finishes but its terminal
// transition discards the result without requeue.
func (q *Queue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("cancel job %q: %w", jobID, scrape.ErrNotFound)
	}
	switch job.State {
	case scrape.JobStateQueued:
		// Left in the heap; ClaimNext skips non-queued entries.
		q.finish(job, scrape.JobStateCanceled)
		return nil
	case scrape.JobStateClaimed:
		q.canceled[jobID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("cancel job %q in state %s: %w", jobID, job.State, scrape.ErrInvalidTransition)
	}
}

// Get returns a copy of the job for status reporting.
func (q *Queue) Get(_ context.Context, jobID string) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("get job %q: %w", jobID, scrape.ErrNotFound)
	}
	return *job, nil
}

// Depth returns the number of queued jobs, for metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.State == scrape.JobStateQueued {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all non-terminal jobs.
func (q *Queue) Snapshot(_ context.Context) ([]scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]scrape.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if !job.State.Terminal() {
			out = append(out, *job)
		}
	}
	return out, nil
}

// Restore loads checkpointed jobs. Jobs found claimed at checkpoint
// time return to queued with attempt_count unchanged.
func (q *Queue) Restore(_ context.Context, jobs []scrape.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range jobs {
		if _, exists := q.jobs[job.ID]; exists {
			return fmt.Errorf("%w: duplicate job id %q on restore", scrape.ErrInvalidJob, job.ID)
		}
		if job.State == scrape.JobStateClaimed {
			job.State = scrape.JobStateQueued
		}
		stored := job
		q.jobs[job.ID] = &stored
		if stored.State == scrape.JobStateQueued {
			heap.Push(q.pending, &stored)
		}
		if stored.Sequence > q.seq {
			q.seq = stored.Sequence
		}
	}
	return nil
}

// Close rejects further operations.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// claimed looks up a job that must currently be claimed.
func (q *Queue) claimed(jobID string) (*scrape.Job, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, scrape.ErrNotFound)
	}
	if job.State != scrape.JobStateClaimed {
		return nil, fmt.Errorf("job %q in state %s: %w", jobID, job.State, scrape.ErrInvalidTransition)
	}
	return job, nil
}

func (q *Queue) discardCanceled(job *scrape.Job) bool {
	if _, ok := q.canceled[job.ID]; !ok {
		return false
	}
	delete(q.canceled, job.ID)
	q.finish(job, scrape.JobStateCanceled)
	return true
}

func (q *Queue) finish(job *scrape.Job, state scrape.JobState) {
	job.State = state
	now := q.clock.Now()
	job.FinishedAt = &now
}

func validate(job scrape.Job) error {
	if job.ID == "" {
		return fmt.Errorf("%w: missing id", scrape.ErrInvalidJob)
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("%w: unknown target kind %q", scrape.ErrInvalidJob, job.Kind)
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", scrape.ErrInvalidJob, job.Priority)
	}
	u, err := url.Parse(job.Locator)
	if err != nil {
		return fmt.Errorf("%w: locator: %v", scrape.ErrInvalidJob, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: locator must be an absolute http(s) URL", scrape.ErrInvalidJob)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("%w: locator host is empty", scrape.ErrInvalidJob)
	}
	return nil
}

// jobHeap orders pending jobs by priority (desc), then sequence (asc).
type jobHeap []*scrape.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Sequence < h[j].Sequence
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*scrape.Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
