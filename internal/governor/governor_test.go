package governor

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(9000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// midRand removes jitter so intervals are exact.
func midRand() float64 { return 0.5 }

func testConfig() Config {
	return Config{
		Floor:          time.Second,
		Ceiling:        16 * time.Second,
		Initial:        4 * time.Second,
		NarrowFactor:   0.5,
		WidenFactor:    2,
		JitterFraction: 0.2,
		HardCooling:    time.Minute,
	}
}

func TestAdmitReservesInterval(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g := NewWithRand(testConfig(), clock, midRand)

	ok, _ := g.Admit("a.com")
	require.True(t, ok)

	ok, retryIn := g.Admit("a.com")
	require.False(t, ok)
	require.Equal(t, 4*time.Second, retryIn)

	// Other targets are unaffected.
	ok, _ = g.Admit("b.com")
	require.True(t, ok)

	clock.Advance(4 * time.Second)
	ok, _ = g.Admit("a.com")
	require.True(t, ok)
}

func TestObserveSuccessNarrowsNeverBelowFloor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g := NewWithRand(testConfig(), clock, midRand)

	for range 10 {
		g.Observe("a.com", scrape.OutcomeSuccess)
	}
	require.Equal(t, time.Second, g.Interval("a.com"), "narrowing must stop at the floor")
}

func TestObserveBlocksWidenMultiplicativelyToCeiling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g := NewWithRand(testConfig(), clock, midRand)

	g.Observe("a.com", scrape.OutcomeSoftBlock)
	require.Equal(t, 8*time.Second, g.Interval("a.com"))
	g.Observe("a.com", scrape.OutcomeSoftBlock)
	require.Equal(t, 16*time.Second, g.Interval("a.com"))
	g.Observe("a.com", scrape.OutcomeSoftBlock)
	require.Equal(t, 16*time.Second, g.Interval("a.com"), "widening must stop at the ceiling")
}

func TestNetworkErrorLeavesBudgetAlone(t *testing.T) {
	t.Parallel()

	g := NewWithRand(testConfig(), newFakeClock(), midRand)
	g.Observe("a.com", scrape.OutcomeNetworkError)
	require.Equal(t, 4*time.Second, g.Interval("a.com"))
}

func TestHardBlockOpensCoolingWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	g := NewWithRand(testConfig(), clock, midRand)

	g.Observe("a.com", scrape.OutcomeHardBlock)

	// Denied for the whole window, even with no other pending request.
	ok, retryIn := g.Admit("a.com")
	require.False(t, ok)
	require.Equal(t, time.Minute, retryIn)

	clock.Advance(30 * time.Second)
	ok, retryIn = g.Admit("a.com")
	require.False(t, ok)
	require.Equal(t, 30*time.Second, retryIn)

	clock.Advance(31 * time.Second)
	ok, _ = g.Admit("a.com")
	require.True(t, ok)
}

func TestJitterBounded(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()

	// rand pinned high: spacing = interval * (1 + jitter fraction).
	g := NewWithRand(testConfig(), clock, func() float64 { return 1 })
	ok, _ := g.Admit("a.com")
	require.True(t, ok)
	_, retryIn := g.Admit("a.com")
	require.Equal(t, time.Duration(float64(4*time.Second)*1.2), retryIn)

	// rand pinned low: spacing = interval * (1 - jitter fraction).
	g = NewWithRand(testConfig(), clock, func() float64 { return 0 })
	ok, _ = g.Admit("b.com")
	require.True(t, ok)
	_, retryIn = g.Admit("b.com")
	require.Equal(t, time.Duration(float64(4*time.Second)*0.8), retryIn)
}

func TestJitterClampedAtFloor(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Initial = time.Second // already at the floor
	clock := newFakeClock()
	g := NewWithRand(cfg, clock, func() float64 { return 0 })

	ok, _ := g.Admit("a.com")
	require.True(t, ok)
	_, retryIn := g.Admit("a.com")
	require.Equal(t, time.Second, retryIn, "negative jitter must not tighten spacing below the floor")
}

func TestConcurrentAdmissionsRespectFloorSpacing(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Floor:          20 * time.Millisecond,
		Ceiling:        time.Second,
		Initial:        20 * time.Millisecond,
		NarrowFactor:   0.9,
		WidenFactor:    2,
		JitterFraction: 0.2,
		HardCooling:    time.Minute,
	}
	g := New(cfg, realClock{})

	var mu sync.Mutex
	var admitted []time.Time
	deadline := time.Now().Add(300 * time.Millisecond)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if ok, _ := g.Admit("a.com"); ok {
					mu.Lock()
					admitted = append(admitted, time.Now())
					mu.Unlock()
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, len(admitted), 2, "expected multiple admissions")
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := 1; i < len(admitted); i++ {
		gap := admitted[i].Sub(admitted[i-1])
		require.GreaterOrEqual(t, gap, cfg.Floor-2*time.Millisecond,
			"admissions %d and %d spaced %v apart", i-1, i, gap)
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
