package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MutugiD/linkedin-crm/internal/governor"
	"github.com/MutugiD/linkedin-crm/internal/identity"
	"github.com/MutugiD/linkedin-crm/internal/policy/retry"
	queuemem "github.com/MutugiD/linkedin-crm/internal/queue/memory"
	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// scriptedFetcher returns canned responses and records the locators it
// was asked for, in order.
type scriptedFetcher struct {
	mu       sync.Mutex
	respond  func(req scrape.FetchRequest) (scrape.FetchResponse, error)
	requests []scrape.FetchRequest
}

func (f *scriptedFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return scrape.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html>ok</html>")}, nil
	}
	return respond(req)
}

func (f *scriptedFetcher) locators() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Locator
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	stores map[string][][]scrape.Record
}

func newRecordingSink() *recordingSink {
	return &recordingSink{stores: make(map[string][][]scrape.Record)}
}

func (s *recordingSink) Store(_ context.Context, jobID string, records []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[jobID] = append(s.stores[jobID], records)
	return nil
}

func (s *recordingSink) calls(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stores[jobID])
}

type recordingBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (b *recordingBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

func (b *recordingBlobStore) stored() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paths...)
}

type staticExtractor struct {
	records []scrape.Record
	err     error
}

func (e staticExtractor) Extract([]byte) ([]scrape.Record, error) {
	return e.records, e.err
}

type harness struct {
	dispatcher *Dispatcher
	queue      *queuemem.Queue
	pool       *identity.Pool
	fetcher    *scriptedFetcher
	sink       *recordingSink
	archive    *recordingBlobStore
}

func newHarness(t *testing.T, workers int, fetcher *scriptedFetcher) *harness {
	t.Helper()
	clock := systemClock{}

	q := queuemem.New(queuemem.Config{AttemptCeiling: 3}, clock)
	pool := identity.NewPool(identity.Config{
		FailureThreshold: 100,
		CooldownBase:     time.Millisecond,
		RetireMinUses:    1 << 30,
	}, clock)
	gov := governor.New(governor.Config{
		Floor:          time.Millisecond,
		Ceiling:        10 * time.Millisecond,
		Initial:        time.Millisecond,
		NarrowFactor:   0.5,
		WidenFactor:    2,
		JitterFraction: 0.1,
		HardCooling:    5 * time.Millisecond,
	}, clock)
	pol := retry.New(retry.Config{
		AttemptCeiling: 3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
	})

	sink := newRecordingSink()
	archive := &recordingBlobStore{}
	extractors := map[scrape.TargetKind]scrape.Extractor{
		scrape.TargetProfile: staticExtractor{records: []scrape.Record{{"name": "x"}}},
		scrape.TargetCompany: staticExtractor{records: []scrape.Record{{"name": "y"}}},
	}

	d := New(q, pool, gov, pol, fetcher, nil, extractors, sink, archive, clock, Config{
		Workers:        workers,
		GlobalInFlight: workers,
		PerTargetMax:   workers,
		FetchTimeout:   time.Second,
		IdlePoll:       2 * time.Millisecond,
		StarvationWait: 2 * time.Millisecond,
	}, zap.NewNop())

	return &harness{dispatcher: d, queue: q, pool: pool, fetcher: fetcher, sink: sink, archive: archive}
}

func (h *harness) registerIdentity(t *testing.T, id string) {
	t.Helper()
	_, err := h.pool.Register(context.Background(), scrape.Identity{
		ID: id,
		Transport: scrape.TransportDescriptor{
			ProxyURL:    "http://proxy.internal:8080",
			Fingerprint: scrape.Fingerprint{UserAgent: "test-agent"},
		},
	})
	require.NoError(t, err)
}

func (h *harness) enqueue(t *testing.T, id, locator string, priority scrape.Priority) {
	t.Helper()
	_, err := h.queue.Enqueue(context.Background(), scrape.Job{
		ID:       id,
		Kind:     scrape.TargetProfile,
		Locator:  locator,
		Priority: priority,
	})
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.dispatcher.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return cancel
}

func (h *harness) waitForState(t *testing.T, jobID string, state scrape.JobState) scrape.Job {
	t.Helper()
	var job scrape.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.queue.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		return job.State == state
	}, 5*time.Second, 2*time.Millisecond, "job %s never reached %s", jobID, state)
	return job
}

func TestSuccessfulJobStoresResultsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, &scriptedFetcher{})
	h.registerIdentity(t, "id-1")
	h.enqueue(t, "job-1", "https://example.com/in/jane", scrape.PriorityNormal)
	h.run(t)

	job := h.waitForState(t, "job-1", scrape.JobStateSucceeded)
	require.Equal(t, 1, job.AttemptCount)
	require.Equal(t, 1, job.ItemsExtracted)
	require.NotNil(t, job.FinishedAt)

	// Give any stray duplicate store a chance to land.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, h.sink.calls("job-1"))
}

func TestIdentityStarvationNeverCountsAsAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, &scriptedFetcher{})
	h.enqueue(t, "job-1", "https://example.com/in/jane", scrape.PriorityNormal)
	h.run(t)

	// No identities registered: the job must circulate without gaining
	// attempts.
	require.Eventually(t, func() bool {
		return len(h.fetcher.locators()) == 0
	}, 50*time.Millisecond, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	job, err := h.queue.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 0, job.AttemptCount)
	require.False(t, job.State.Terminal())

	// Capacity arrives; the job completes with a single attempt.
	h.registerIdentity(t, "id-1")
	job = h.waitForState(t, "job-1", scrape.JobStateSucceeded)
	require.Equal(t, 1, job.AttemptCount)
}

func TestExhaustedJobDeadLettersAndNeverReachesSink(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{
		respond: func(scrape.FetchRequest) (scrape.FetchResponse, error) {
			return scrape.FetchResponse{}, errors.New("connection reset")
		},
	}
	h := newHarness(t, 1, fetcher)
	h.registerIdentity(t, "id-1")
	h.enqueue(t, "job-1", "https://example.com/in/jane", scrape.PriorityNormal)
	h.run(t)

	job := h.waitForState(t, "job-1", scrape.JobStateDead)
	require.Equal(t, 3, job.AttemptCount, "attempt count at dead-letter must equal the ceiling")
	require.Contains(t, job.LastError, "fetch")
	require.Equal(t, 0, h.sink.calls("job-1"))
}

func TestPriorityOrderWithScarceCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, &scriptedFetcher{})
	h.registerIdentity(t, "id-1")

	// One target, one identity: rate deferrals requeue without penalty
	// and priority order still decides who fetches first.
	h.enqueue(t, "job-low", "https://a.com/in/low", scrape.PriorityLow)
	h.enqueue(t, "job-normal", "https://a.com/in/normal", scrape.PriorityNormal)
	h.enqueue(t, "job-high", "https://a.com/in/high", scrape.PriorityHigh)
	h.run(t)

	h.waitForState(t, "job-low", scrape.JobStateSucceeded)
	h.waitForState(t, "job-normal", scrape.JobStateSucceeded)
	h.waitForState(t, "job-high", scrape.JobStateSucceeded)

	require.Equal(t, []string{
		"https://a.com/in/high",
		"https://a.com/in/normal",
		"https://a.com/in/low",
	}, h.fetcher.locators())

	for _, id := range []string{"job-high", "job-normal", "job-low"} {
		job, err := h.queue.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, 1, job.AttemptCount, "rate deferrals must not count as attempts for %s", id)
	}
}

func TestParseErrorRetriesOnceThenArchives(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{
		respond: func(scrape.FetchRequest) (scrape.FetchResponse, error) {
			return scrape.FetchResponse{StatusCode: 200, Body: []byte("<html>drifted layout</html>")}, nil
		},
	}
	h := newHarness(t, 1, fetcher)
	h.registerIdentity(t, "id-1")
	h.run(t)

	// No extractor registered for content targets, so every attempt is a
	// parse error.
	_, err := h.queue.Enqueue(context.Background(), scrape.Job{
		ID:       "job-1",
		Kind:     scrape.TargetContent,
		Locator:  "https://example.com/posts/1",
		Priority: scrape.PriorityNormal,
	})
	require.NoError(t, err)

	job := h.waitForState(t, "job-1", scrape.JobStateDead)
	require.Equal(t, 2, job.AttemptCount, "parse errors retry exactly once")
	require.Equal(t, 0, h.sink.calls("job-1"))

	// The payload that defeated extraction is archived for review.
	paths := h.archive.stored()
	require.Len(t, paths, 1)
	require.Equal(t, "deadletter/job-1/2.html", paths[0])
}

func TestHardBlockCoolsIdentity(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	blocked := true
	fetcher := &scriptedFetcher{
		respond: func(scrape.FetchRequest) (scrape.FetchResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			if blocked {
				blocked = false
				return scrape.FetchResponse{StatusCode: 999, Body: []byte("denied")}, nil
			}
			return scrape.FetchResponse{StatusCode: 200, Body: []byte("<html>ok</html>")}, nil
		},
	}
	h := newHarness(t, 1, fetcher)
	h.registerIdentity(t, "id-1")
	h.enqueue(t, "job-1", "https://example.com/in/jane", scrape.PriorityNormal)
	h.run(t)

	job := h.waitForState(t, "job-1", scrape.JobStateSucceeded)
	require.Equal(t, 2, job.AttemptCount)

	id, err := h.pool.Get(context.Background(), "id-1")
	require.NoError(t, err)
	require.Equal(t, 1, id.CooldownStreak, "hard block must have cooled the identity")
}

func TestCanceledJobResultIsDiscarded(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &scriptedFetcher{
		respond: func(scrape.FetchRequest) (scrape.FetchResponse, error) {
			close(started)
			<-release
			return scrape.FetchResponse{StatusCode: 200, Body: []byte("<html>ok</html>")}, nil
		},
	}
	h := newHarness(t, 1, fetcher)
	h.registerIdentity(t, "id-1")
	h.enqueue(t, "job-1", "https://example.com/in/jane", scrape.PriorityNormal)
	h.run(t)

	<-started
	require.NoError(t, h.queue.Cancel(context.Background(), "job-1"))
	close(release)

	job := h.waitForState(t, "job-1", scrape.JobStateCanceled)
	require.Equal(t, scrape.JobStateCanceled, job.State)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, h.sink.calls("job-1"), "canceled work must not reach the sink")
}

func TestManyJobsAcrossTargetsAllFinish(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, &scriptedFetcher{})
	for i := 0; i < 3; i++ {
		h.registerIdentity(t, fmt.Sprintf("id-%d", i))
	}
	const jobs = 20
	for i := 0; i < jobs; i++ {
		h.enqueue(t, fmt.Sprintf("job-%d", i),
			fmt.Sprintf("https://host%d.com/in/p", i%4), scrape.PriorityNormal)
	}
	h.run(t)

	for i := 0; i < jobs; i++ {
		job := h.waitForState(t, fmt.Sprintf("job-%d", i), scrape.JobStateSucceeded)
		require.Equal(t, 1, job.AttemptCount)
	}
}
