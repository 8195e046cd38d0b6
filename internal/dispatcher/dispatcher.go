// Package dispatcher drives the worker pool against the job queue.
//
// Each worker iteration follows a fixed protocol: claim a job, check
// rate admission, lease an identity, fetch under a hard deadline,
// classify the outcome, feed the governor and the pool, then commit the
// retry policy's decision back to the queue. Delays the engine causes
// itself (rate denial, identity starvation, concurrency ceilings) never
// count against a job's attempt ceiling; only target-side outcomes do.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/MutugiD/linkedin-crm/internal/metrics"
	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// unclassifiedPrefix marks a fault the classifier could not attribute.
// One repeat dead-letters the job.
const unclassifiedPrefix = "unclassified"

// Config controls dispatcher concurrency and pacing.
type Config struct {
	// Workers is the fixed worker pool size.
	Workers int
	// GlobalInFlight caps concurrent fetches across all workers.
	GlobalInFlight int
	// PerTargetMax caps concurrent fetches against one target.
	PerTargetMax int
	// GlobalRPS caps whole-engine request rate; zero disables the cap.
	GlobalRPS float64
	// FetchTimeout is the hard per-fetch deadline.
	FetchTimeout time.Duration
	// IdlePoll is how long a worker sleeps when the queue has nothing
	// eligible.
	IdlePoll time.Duration
	// StarvationWait is the requeue delay for identity starvation and
	// concurrency-ceiling deferrals.
	StarvationWait time.Duration
	// HeadlessKinds names target kinds fetched through the headless
	// fetcher when one is configured.
	HeadlessKinds map[scrape.TargetKind]bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.GlobalInFlight <= 0 {
		c.GlobalInFlight = c.Workers
	}
	if c.PerTargetMax <= 0 {
		c.PerTargetMax = 2
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 100 * time.Millisecond
	}
	if c.StarvationWait <= 0 {
		c.StarvationWait = 500 * time.Millisecond
	}
	return c
}

// Dispatcher owns the worker pool and the concurrency ceilings.
type Dispatcher struct {
	queue     scrape.Queue
	pool      scrape.IdentityPool
	governor  scrape.Governor
	policy    scrape.RetryPolicy
	fetcher   scrape.Fetcher
	headless  scrape.Fetcher
	extract   map[scrape.TargetKind]scrape.Extractor
	sink      scrape.ResultSink
	archive   scrape.BlobStore
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
	inFlight  *semaphore.Weighted
	limiter   *rate.Limiter
	targetMu  sync.Mutex
	perTarget map[string]int
}

// New constructs a Dispatcher.
func New(
	queue scrape.Queue,
	pool scrape.IdentityPool,
	governor scrape.Governor,
	policy scrape.RetryPolicy,
	fetcher scrape.Fetcher,
	headless scrape.Fetcher,
	extractors map[scrape.TargetKind]scrape.Extractor,
	sink scrape.ResultSink,
	archive scrape.BlobStore,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	cfg = cfg.withDefaults()
	var limiter *rate.Limiter
	if cfg.GlobalRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return &Dispatcher{
		queue:     queue,
		pool:      pool,
		governor:  governor,
		policy:    policy,
		fetcher:   fetcher,
		headless:  headless,
		extract:   extractors,
		sink:      sink,
		archive:   archive,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		inFlight:  semaphore.NewWeighted(int64(cfg.GlobalInFlight)),
		limiter:   limiter,
		perTarget: make(map[string]int),
	}
}

// Run starts the worker pool and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			d.workerLoop(ctx, d.logger.Named("worker").With(zap.Int("index", index)))
		}(i)
	}
	wg.Wait()
}

// Submit proxies to the underlying queue.
func (d *Dispatcher) Submit(ctx context.Context, job scrape.Job) (scrape.Job, error) {
	stored, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return stored, nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, logger *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := d.queue.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, scrape.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", zap.Error(err))
			d.pause(ctx, d.cfg.IdlePoll)
			continue
		}
		if !ok {
			d.pause(ctx, d.cfg.IdlePoll)
			continue
		}
		d.processClaim(ctx, job, logger)
	}
}

// processClaim runs one claimed job to its queue transition.
func (d *Dispatcher) processClaim(ctx context.Context, job scrape.Job, logger *zap.Logger) {
	targetKey := job.TargetKey()

	// Rate admission. Denial is engine back-pressure, never an attempt.
	if ok, retryIn := d.governor.Admit(targetKey); !ok {
		metrics.ObserveAdmissionDenial("rate")
		d.deferJob(ctx, job, retryIn, logger, "rate denied")
		return
	}
	if d.limiter != nil && !d.limiter.Allow() {
		metrics.ObserveAdmissionDenial("global_rate")
		d.deferJob(ctx, job, d.cfg.StarvationWait, logger, "global rate cap")
		return
	}

	// Per-target and global concurrency ceilings.
	if !d.acquireTargetSlot(targetKey) {
		metrics.ObserveAdmissionDenial("target_concurrency")
		d.deferJob(ctx, job, d.cfg.StarvationWait, logger, "per-target ceiling")
		return
	}
	defer d.releaseTargetSlot(targetKey)

	if !d.inFlight.TryAcquire(1) {
		metrics.ObserveAdmissionDenial("global_in_flight")
		d.deferJob(ctx, job, d.cfg.StarvationWait, logger, "in-flight ceiling")
		return
	}
	defer d.inFlight.Release(1)

	// Identity lease. Starvation backs the job off without penalty.
	identity, err := d.pool.Acquire(ctx, targetKey)
	if err != nil {
		if errors.Is(err, scrape.ErrNoIdentityAvailable) {
			metrics.ObserveAdmissionDenial("identity")
			d.deferJob(ctx, job, d.cfg.StarvationWait, logger, "identity starvation")
			return
		}
		logger.Error("identity acquire failed", zap.String("job_id", job.ID), zap.Error(err))
		d.deferJob(ctx, job, d.cfg.StarvationWait, logger, "identity error")
		return
	}

	outcome, errText, records, payload, latency := d.attempt(ctx, job, identity)

	// Target-side feedback.
	d.governor.Observe(targetKey, outcome)
	if g, ok := d.governor.(interface{ Interval(string) time.Duration }); ok {
		metrics.ObserveRateInterval(targetKey, g.Interval(targetKey))
	}
	if err := d.pool.Release(ctx, identity.ID, outcome, latency); err != nil {
		logger.Error("identity release failed", zap.String("identity_id", identity.ID), zap.Error(err))
	}
	metrics.ObserveFetch(string(job.Kind), string(outcome), latency)

	d.commit(ctx, job, outcome, errText, records, payload, logger)
	d.sample()
}

// attempt performs the fetch and extraction for one claim. A panic or
// unknown fault inside either is contained and classified as a
// transient target error with the unclassified marker.
func (d *Dispatcher) attempt(
	ctx context.Context,
	job scrape.Job,
	identity scrape.Identity,
) (outcome scrape.Outcome, errText string, records []scrape.Record, payload []byte, latency time.Duration) {
	metrics.WorkerActive(1)
	defer metrics.WorkerActive(-1)

	start := d.clock.Now()
	defer func() {
		latency = d.clock.Now().Sub(start)
		if rec := recover(); rec != nil {
			outcome = scrape.OutcomeNetworkError
			errText = fmt.Sprintf("%s: panic: %v", unclassifiedPrefix, rec)
			records = nil
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	resp, err := d.pickFetcher(job.Kind).Fetch(fetchCtx, scrape.FetchRequest{
		JobID:    job.ID,
		Kind:     job.Kind,
		Locator:  job.Locator,
		Identity: identity,
	})
	if err != nil {
		return scrape.OutcomeNetworkError, fmt.Sprintf("fetch: %v", err), nil, nil, 0
	}

	outcome = classify(resp)
	if outcome != scrape.OutcomeSuccess {
		return outcome, fmt.Sprintf("target responded %d", resp.StatusCode), nil, resp.Body, resp.Duration
	}

	extractor, ok := d.extract[job.Kind]
	if !ok {
		return scrape.OutcomeParseError, "parse_error: no extractor for kind " + string(job.Kind), nil, resp.Body, resp.Duration
	}
	records, err = extractor.Extract(resp.Body)
	if err != nil {
		return scrape.OutcomeParseError, fmt.Sprintf("parse_error: %v", err), nil, resp.Body, resp.Duration
	}
	return scrape.OutcomeSuccess, "", records, resp.Body, resp.Duration
}

// commit applies the retry policy's decision as a queue transition.
func (d *Dispatcher) commit(
	ctx context.Context,
	job scrape.Job,
	outcome scrape.Outcome,
	errText string,
	records []scrape.Record,
	payload []byte,
	logger *zap.Logger,
) {
	// A repeated unclassified fault is no longer presumed transient.
	if strings.HasPrefix(errText, unclassifiedPrefix) && strings.HasPrefix(job.LastError, unclassifiedPrefix) {
		d.deadLetter(ctx, job, errText, payload, logger)
		return
	}

	decision := d.policy.Decide(job, outcome)
	switch decision.Action {
	case scrape.ActionSucceed:
		err := d.queue.Complete(ctx, job.ID, len(records))
		switch {
		case errors.Is(err, scrape.ErrCanceled):
			logger.Info("result discarded for canceled job", zap.String("job_id", job.ID))
		case err != nil:
			logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		default:
			metrics.ObserveJobTerminal(string(scrape.JobStateSucceeded))
			if err := d.sink.Store(ctx, job.ID, records); err != nil {
				logger.Error("result sink store failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}

	case scrape.ActionRetryAfter:
		if decision.RefreshIdentity {
			logger.Warn("hard block; identity refresh required before retry",
				zap.String("job_id", job.ID),
				zap.String("target", job.TargetKey()),
			)
		}
		err := d.queue.Requeue(ctx, job.ID, decision.Delay, true, errText)
		if err != nil && !errors.Is(err, scrape.ErrCanceled) {
			logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		// The ceiling backstop may have redirected the requeue to dead.
		if stored, getErr := d.queue.Get(ctx, job.ID); getErr == nil && stored.State == scrape.JobStateDead {
			metrics.ObserveJobTerminal(string(scrape.JobStateDead))
			d.archivePayload(ctx, job, stored.AttemptCount, payload, logger)
		}

	case scrape.ActionDeadLetter:
		d.deadLetter(ctx, job, errText, payload, logger)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, job scrape.Job, errText string, payload []byte, logger *zap.Logger) {
	err := d.queue.DeadLetter(ctx, job.ID, errText)
	switch {
	case errors.Is(err, scrape.ErrCanceled):
		return
	case err != nil:
		logger.Error("dead-letter failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobTerminal(string(scrape.JobStateDead))
	logger.Warn("job dead-lettered",
		zap.String("job_id", job.ID),
		zap.String("last_error", errText),
	)
	d.archivePayload(ctx, job, job.AttemptCount+1, payload, logger)
}

// archivePayload stores the raw payload of a dead-lettered job so a
// human can inspect what the target actually served.
func (d *Dispatcher) archivePayload(ctx context.Context, job scrape.Job, attempt int, payload []byte, logger *zap.Logger) {
	if d.archive == nil || len(payload) == 0 {
		return
	}
	path := fmt.Sprintf("deadletter/%s/%d.html", job.ID, attempt)
	uri, err := d.archive.PutObject(ctx, path, "text/html; charset=utf-8", payload)
	if err != nil {
		logger.Error("payload archive failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	logger.Info("dead-letter payload archived", zap.String("job_id", job.ID), zap.String("uri", uri))
}

// deferJob requeues without touching attempt_count.
func (d *Dispatcher) deferJob(ctx context.Context, job scrape.Job, delay time.Duration, logger *zap.Logger, reason string) {
	if delay <= 0 {
		delay = d.cfg.StarvationWait
	}
	err := d.queue.Requeue(ctx, job.ID, delay, false, "")
	if err != nil && !errors.Is(err, scrape.ErrCanceled) {
		logger.Error("deferral requeue failed",
			zap.String("job_id", job.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) pickFetcher(kind scrape.TargetKind) scrape.Fetcher {
	if d.headless != nil && d.cfg.HeadlessKinds[kind] {
		return d.headless
	}
	return d.fetcher
}

func (d *Dispatcher) acquireTargetSlot(targetKey string) bool {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	if d.perTarget[targetKey] >= d.cfg.PerTargetMax {
		return false
	}
	d.perTarget[targetKey]++
	return true
}

func (d *Dispatcher) releaseTargetSlot(targetKey string) {
	d.targetMu.Lock()
	defer d.targetMu.Unlock()
	if d.perTarget[targetKey] <= 1 {
		delete(d.perTarget, targetKey)
		return
	}
	d.perTarget[targetKey]--
}

// sample pushes queue and pool gauges.
func (d *Dispatcher) sample() {
	if q, ok := d.queue.(interface{ Depth() int }); ok {
		metrics.SetQueueDepth(q.Depth())
	}
	if p, ok := d.pool.(interface{ Stats() (int, int, int) }); ok {
		metrics.SetIdentityPool(p.Stats())
	}
}

func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
