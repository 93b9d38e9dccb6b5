package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roniherschmann/visitgate/internal/geoip"
)

// memBackend round-trips through JSON so the service never shares memory
// with what is "stored".
type memBackend struct {
	mu      sync.Mutex
	raw     []byte
	saveErr error
	loads   int
}

func (m *memBackend) Load(ctx context.Context) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.raw == nil {
		return NewDocument(), nil
	}
	var d Document
	if err := json.Unmarshal(m.raw, &d); err != nil {
		return nil, err
	}
	return d.normalize(), nil
}

func (m *memBackend) Save(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.raw = raw
	return nil
}

func (m *memBackend) Close() error { return nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixedGeo geoip.Location

func (g fixedGeo) Locate(string) geoip.Location { return geoip.Location(g) }

var dayD = time.Date(2025, 5, 20, 10, 0, 0, 0, time.UTC)

func startService(t *testing.T, b Backend, opts Options) (*Service, *clock) {
	t.Helper()
	if opts.Salt == "" {
		opts.Salt = "pepper"
	}
	c := &clock{t: dayD}
	svc := NewService(b, opts).WithClock(c.Now)
	ctx, cancel := context.WithCancel(context.Background())
	go svc.RunWriter(ctx)
	t.Cleanup(cancel)
	return svc, c
}

func aggregates(t *testing.T, svc *Service) Aggregates {
	t.Helper()
	agg, err := svc.Aggregates(context.Background(), 0)
	require.NoError(t, err)
	return agg
}

func TestDedupScenario(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ctx := context.Background()
	visit := Visit{Page: "/termin", Role: "guest", Addr: "198.51.100.10"}

	require.NoError(t, svc.RecordVisit(ctx, visit))
	agg := aggregates(t, svc)
	assert.Equal(t, 1, agg.Stats.Total)
	assert.Equal(t, 1, agg.Today["2025-05-20"])
	assert.Equal(t, 1, agg.Stats.Today)
	assert.Equal(t, 1, agg.Month["2025-05"])

	require.NoError(t, svc.RecordVisit(ctx, visit))
	assert.Equal(t, 1, aggregates(t, svc).Stats.Total)

	visit.Page = "/leistung"
	require.NoError(t, svc.RecordVisit(ctx, visit))
	agg = aggregates(t, svc)
	assert.Equal(t, 2, agg.Stats.Total)
	assert.Len(t, agg.Visitors, 2)
}

func TestSamePageDifferentDaysCountsTwice(t *testing.T) {
	svc, c := startService(t, &memBackend{}, Options{})
	ctx := context.Background()
	visit := Visit{Page: "/", Addr: "198.51.100.10"}

	require.NoError(t, svc.RecordVisit(ctx, visit))
	c.Set(dayD.Add(24 * time.Hour))
	require.NoError(t, svc.RecordVisit(ctx, visit))

	agg := aggregates(t, svc)
	assert.Equal(t, 2, agg.Stats.Total)
	assert.Equal(t, 1, agg.Today["2025-05-20"])
	assert.Equal(t, 1, agg.Today["2025-05-21"])
	assert.Equal(t, 2, agg.Month["2025-05"])
}

func TestDifferentAddressesAreDistinct(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ctx := context.Background()

	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: "198.51.100.10"}))
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: "198.51.100.11"}))
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: ""}))
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: Unknown}))

	assert.Equal(t, 3, aggregates(t, svc).Stats.Total)
}

func TestDayBoundaryUsesConfiguredZone(t *testing.T) {
	cet := time.FixedZone("CET", 60*60)
	svc, c := startService(t, &memBackend{}, Options{Location: cet})
	ctx := context.Background()
	visit := Visit{Page: "/", Addr: "198.51.100.10"}

	c.Set(time.Date(2025, 5, 20, 22, 30, 0, 0, time.UTC)) // 23:30 CET
	require.NoError(t, svc.RecordVisit(ctx, visit))
	c.Set(time.Date(2025, 5, 20, 23, 30, 0, 0, time.UTC)) // 00:30 CET next day
	require.NoError(t, svc.RecordVisit(ctx, visit))

	agg := aggregates(t, svc)
	assert.Equal(t, 2, agg.Stats.Total)
	assert.Equal(t, 1, agg.Today["2025-05-20"])
	assert.Equal(t, 1, agg.Today["2025-05-21"])
}

func TestCountriesSumToTotal(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ctx := context.Background()

	hints := []string{"Germany", "Germany", "Austria", "", "  "}
	for i, h := range hints {
		require.NoError(t, svc.RecordVisit(ctx, Visit{
			Page:        "/",
			Addr:        fmt.Sprintf("198.51.100.%d", i),
			CountryHint: h,
		}))
	}

	agg := aggregates(t, svc)
	assert.Equal(t, map[string]int{"Germany": 2, "Austria": 1, Unknown: 2}, agg.Countries)
	sum := 0
	for _, n := range agg.Countries {
		sum += n
	}
	assert.Equal(t, agg.Stats.Total, sum)
}

func TestGeoFallbackAndDefaults(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{Geo: fixedGeo{Country: "Switzerland", City: "Basel"}})
	ctx := context.Background()

	require.NoError(t, svc.RecordVisit(ctx, Visit{
		Page:      "/preisliste",
		Addr:      "198.51.100.10",
		CityHint:  "Zürich",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		Referer:   "https://example.org/",
	}))

	ev := aggregates(t, svc).Visitors[0]
	assert.Equal(t, "Switzerland", ev.Country)
	assert.Equal(t, "Zürich", ev.City)
	assert.Equal(t, DefaultRole, ev.Role)
	assert.Equal(t, "https://example.org/", ev.Referer)
	assert.Equal(t, "mobile", ev.Device)
	assert.NotEmpty(t, ev.ID)
	assert.Len(t, ev.IPHash, 64)
	assert.True(t, ev.Timestamp.Equal(dayD))
}

func TestHashIsSaltedAndStable(t *testing.T) {
	a := NewService(&memBackend{}, Options{Salt: "one"})
	b := NewService(&memBackend{}, Options{Salt: "two"})

	assert.Equal(t, a.hashAddr("198.51.100.10"), a.hashAddr("198.51.100.10"))
	assert.NotEqual(t, a.hashAddr("198.51.100.10"), a.hashAddr("198.51.100.11"))
	assert.NotEqual(t, a.hashAddr("198.51.100.10"), b.hashAddr("198.51.100.10"))
}

func TestRecordVisitRejections(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, svc.RecordVisit(ctx, Visit{Page: ""}), ErrMissingPage)
	assert.ErrorIs(t, svc.RecordVisit(ctx, Visit{Page: "   "}), ErrMissingPage)
	assert.ErrorIs(t, svc.RecordVisit(ctx, Visit{Page: "/" + string(make([]byte, maxPageLen))}), ErrInvalidPage)

	unsalted := NewService(&memBackend{}, Options{})
	assert.False(t, unsalted.Configured())
	assert.ErrorIs(t, unsalted.RecordVisit(ctx, Visit{Page: "/"}), ErrNoSalt)

	assert.Equal(t, 0, aggregates(t, svc).Stats.Total)
}

func TestFailedSaveLeavesNoTrace(t *testing.T) {
	b := &memBackend{}
	svc, _ := startService(t, b, Options{})
	ctx := context.Background()

	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: "198.51.100.1"}))

	b.mu.Lock()
	b.saveErr = errors.New("disk full")
	b.mu.Unlock()
	err := svc.RecordVisit(ctx, Visit{Page: "/", Addr: "198.51.100.2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	b.mu.Lock()
	b.saveErr = nil
	b.mu.Unlock()

	agg := aggregates(t, svc)
	assert.Equal(t, 1, agg.Stats.Total)
	assert.Len(t, agg.Visitors, 1)

	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/", Addr: "198.51.100.2"}))
	assert.Equal(t, 2, aggregates(t, svc).Stats.Total)
}

func TestDroppedWhenQueueFull(t *testing.T) {
	svc := NewService(&memBackend{}, Options{Salt: "pepper", QueueSize: 1, Timeout: time.Second})
	svc.writes <- writeReq{ctx: context.Background(), done: make(chan error, 1)}

	err := svc.RecordVisit(context.Background(), Visit{Page: "/", Addr: "198.51.100.1"})
	assert.ErrorIs(t, err, ErrDropped)
}

func TestDroppedOnTimeout(t *testing.T) {
	// no writer running
	svc := NewService(&memBackend{}, Options{Salt: "pepper", Timeout: 20 * time.Millisecond})

	err := svc.RecordVisit(context.Background(), Visit{Page: "/", Addr: "198.51.100.1"})
	assert.ErrorIs(t, err, ErrDropped)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentVisitsKeepInvariant(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{QueueSize: 256, Timeout: 10 * time.Second})
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- svc.RecordVisit(ctx, Visit{Page: "/", Addr: fmt.Sprintf("10.0.%d.%d", i/256, i%256)})
		}(i)
		// duplicate of the same visitor racing the first
		go func(i int) {
			defer wg.Done()
			errs <- svc.RecordVisit(ctx, Visit{Page: "/", Addr: fmt.Sprintf("10.0.%d.%d", i/256, i%256)})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg := aggregates(t, svc)
	assert.Equal(t, n, agg.Stats.Total)
	assert.Len(t, agg.Visitors, n)
	sum := 0
	for _, c := range agg.Today {
		sum += c
	}
	assert.Equal(t, n, sum)
}

func TestAggregatesLimit(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordVisit(ctx, Visit{Page: fmt.Sprintf("/p%d", i), Addr: "198.51.100.1"}))
	}

	agg, err := svc.Aggregates(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Stats.Total)
	require.Len(t, agg.Visitors, 2)
	assert.Equal(t, "/p3", agg.Visitors[0].Page)
	assert.Equal(t, "/p4", agg.Visitors[1].Page)

	sum := 0
	for _, c := range agg.Countries {
		sum += c
	}
	assert.Equal(t, 5, sum)
}

func TestPing(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestDedupSurvivesClockStepBack(t *testing.T) {
	svc, c := startService(t, &memBackend{}, Options{})
	ctx := context.Background()
	next := time.Date(2025, 5, 21, 0, 1, 0, 0, time.UTC)

	c.Set(next)
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/termin", Addr: "198.51.100.10"}))

	// wall clock corrected backwards across midnight
	c.Set(time.Date(2025, 5, 20, 23, 59, 0, 0, time.UTC))
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/leistung", Addr: "198.51.100.10"}))

	c.Set(next.Add(time.Minute))
	require.NoError(t, svc.RecordVisit(ctx, Visit{Page: "/termin", Addr: "198.51.100.10"}))

	agg := aggregates(t, svc)
	assert.Equal(t, 2, agg.Stats.Total)
	assert.Equal(t, 1, agg.Today["2025-05-21"])
	assert.Equal(t, 1, agg.Today["2025-05-20"])
	assert.Len(t, agg.Visitors, 2)
}

func TestClipKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "ab", clip("ab€", 3))
	assert.Equal(t, "ab€", clip("ab€", 5))
	assert.Equal(t, "", clip("€", 2))
	assert.Equal(t, "abc", clip("abcdef", 3))
}

func TestLongFieldsAreClippedToValidText(t *testing.T) {
	svc, _ := startService(t, &memBackend{}, Options{})
	ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 " +
		strings.Repeat("x", 1<<16)
	require.NoError(t, svc.RecordVisit(context.Background(), Visit{
		Page:      "/",
		Addr:      "198.51.100.10",
		CityHint:  strings.Repeat("ü", 40),
		Role:      strings.Repeat("é", 40),
		UserAgent: ua,
		Referer:   strings.Repeat("→", 300),
	}))

	v := aggregates(t, svc).Visitors[0]
	for _, s := range []string{v.City, v.Role, v.UserAgent, v.Referer} {
		assert.True(t, utf8.ValidString(s))
		assert.NotContains(t, s, "�")
	}
	assert.Equal(t, strings.Repeat("ü", 32), v.City)
	assert.LessOrEqual(t, len(v.UserAgent), maxTextLen)
	assert.LessOrEqual(t, len(v.Referer), maxTextLen)
}
