package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mileusna/useragent"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/visitgate/internal/geoip"
	"github.com/roniherschmann/visitgate/internal/metrics"
)

const (
	Unknown     = "unknown"
	DefaultRole = "guest"

	maxPageLen = 2048
	maxHintLen = 64
	maxTextLen = 512
)

var (
	ErrMissingPage = errors.New("page required")
	ErrInvalidPage = errors.New("page too long")
	ErrNoSalt      = errors.New("ip hashing salt not configured")
	// ErrDropped means the visit never reached storage: the write queue was
	// full or the storage deadline passed first.
	ErrDropped = errors.New("visit dropped")
)

// Visit is a record-visit call as received from page instrumentation.
// Addr is the resolved client address; the hints are untrusted and
// display-only.
type Visit struct {
	Page        string
	Role        string
	Addr        string
	CountryHint string
	CityHint    string
	UserAgent   string
	Referer     string
}

type Locator interface {
	Locate(ip string) geoip.Location
}

type Options struct {
	Salt      string
	Timeout   time.Duration
	QueueSize int
	Location  *time.Location
	Geo       Locator
}

type Service struct {
	backend Backend
	salt    string
	timeout time.Duration
	loc     *time.Location
	geo     Locator
	writes  chan writeReq
	now     func() time.Time
}

type writeReq struct {
	ctx  context.Context
	ev   VisitorEvent
	done chan error
}

func NewService(b Backend, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		backend: b,
		salt:    opts.Salt,
		timeout: opts.Timeout,
		loc:     opts.Location,
		geo:     opts.Geo,
		writes:  make(chan writeReq, opts.QueueSize),
		now:     time.Now,
	}
}

// WithClock replaces the time source used to stamp events.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Configured() bool { return s.salt != "" }

// RunWriter is the only goroutine that mutates the store. Every accepted
// visit is a full load-modify-save cycle here, so concurrent visits cannot
// lose increments.
func (s *Service) RunWriter(ctx context.Context) {
	for {
		select {
		case req := <-s.writes:
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			req.done <- s.apply(req.ctx, req.ev)
		case <-ctx.Done():
			return
		}
	}
}

// RecordVisit validates and enqueues a visit, then waits for the writer.
// A repeat of the same hashed address and page on the same calendar day
// succeeds without changing anything.
func (s *Service) RecordVisit(ctx context.Context, v Visit) error {
	page := strings.TrimSpace(v.Page)
	if page == "" {
		return ErrMissingPage
	}
	if len(page) > maxPageLen {
		return ErrInvalidPage
	}
	if !s.Configured() {
		return ErrNoSalt
	}

	ev := s.buildEvent(page, v)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := writeReq{ctx: ctx, ev: ev, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	default:
		// Drop if queue full rather than stall the caller
		metrics.VisitsDropped.WithLabelValues("queue_full").Inc()
		return ErrDropped
	}

	select {
	case err := <-req.done:
		if err != nil {
			metrics.VisitsDropped.WithLabelValues("storage").Inc()
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrDropped, err)
			}
		}
		return err
	case <-ctx.Done():
		metrics.VisitsDropped.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %w", ErrDropped, ctx.Err())
	}
}

func (s *Service) buildEvent(page string, v Visit) VisitorEvent {
	addr := strings.TrimSpace(v.Addr)
	if addr == "" {
		addr = Unknown
	}
	role := clip(strings.TrimSpace(v.Role), maxHintLen)
	if role == "" {
		role = DefaultRole
	}

	country := clip(strings.TrimSpace(v.CountryHint), maxHintLen)
	city := clip(strings.TrimSpace(v.CityHint), maxHintLen)
	if (country == "" || city == "") && s.geo != nil {
		loc := s.geo.Locate(addr)
		if country == "" {
			country = loc.Country
		}
		if city == "" {
			city = loc.City
		}
	}
	if country == "" {
		country = Unknown
	}
	if city == "" {
		city = Unknown
	}

	ev := VisitorEvent{
		ID:        uuid.NewString(),
		Page:      page,
		Role:      role,
		Country:   country,
		City:      city,
		IPHash:    s.hashAddr(addr),
		UserAgent: clip(v.UserAgent, maxTextLen),
		Referer:   clip(v.Referer, maxTextLen),
	}
	if ev.UserAgent != "" {
		ua := useragent.Parse(ev.UserAgent)
		ev.Browser, ev.OS = ua.Name, ua.OS
		switch {
		case ua.Bot:
			ev.Device = "bot"
		case ua.Tablet:
			ev.Device = "tablet"
		case ua.Mobile:
			ev.Device = "mobile"
		default:
			ev.Device = "desktop"
		}
	}
	return ev
}

func (s *Service) hashAddr(addr string) string {
	sum := sha256.Sum256([]byte(s.salt + ":" + addr))
	return hex.EncodeToString(sum[:])
}

func (s *Service) dayKey(t time.Time) string   { return t.In(s.loc).Format("2006-01-02") }
func (s *Service) monthKey(t time.Time) string { return t.In(s.loc).Format("2006-01") }

func (s *Service) apply(ctx context.Context, ev VisitorEvent) error {
	doc, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	ev.Timestamp = s.now().UTC()
	day, month := s.dayKey(ev.Timestamp), s.monthKey(ev.Timestamp)

	if s.seenToday(doc, ev, day) {
		metrics.VisitsDeduplicated.Inc()
		return nil
	}

	doc.Visitors = append(doc.Visitors, ev)
	doc.Today[day]++
	doc.Month[month]++
	doc.Total++

	if err := s.backend.Save(ctx, doc); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	metrics.VisitsRecorded.Inc()
	log.Debug().Str("page", ev.Page).Str("day", day).Int("total", doc.Total).Msg("visit recorded")
	return nil
}

// dedupHorizon bounds the backward scan. Events are appended in arrival
// order, and the wall clock may step back, so the scan only stops once it
// reaches events well clear of any same-day match.
const dedupHorizon = 48 * time.Hour

func (s *Service) seenToday(doc *Document, ev VisitorEvent, day string) bool {
	cutoff := ev.Timestamp.Add(-dedupHorizon)
	for i := len(doc.Visitors) - 1; i >= 0; i-- {
		v := doc.Visitors[i]
		if v.Timestamp.Before(cutoff) {
			return false
		}
		if v.IPHash == ev.IPHash && v.Page == ev.Page && s.dayKey(v.Timestamp) == day {
			return true
		}
	}
	return false
}

type Stats struct {
	Today int `json:"today"`
	Month int `json:"month"`
	Total int `json:"total"`
}

type Aggregates struct {
	Stats     Stats          `json:"stats"`
	Today     map[string]int `json:"today"`
	Month     map[string]int `json:"month"`
	Countries map[string]int `json:"countries"`
	Visitors  []VisitorEvent `json:"visitors"`
}

// Aggregates is the read-only projection for the dashboard. limit > 0 keeps
// only the newest visitors in the list; counts always cover the whole store.
func (s *Service) Aggregates(ctx context.Context, limit int) (Aggregates, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := s.backend.Load(ctx)
	if err != nil {
		return Aggregates{}, fmt.Errorf("load store: %w", err)
	}

	now := s.now()
	countries := make(map[string]int)
	for _, v := range doc.Visitors {
		c := strings.TrimSpace(v.Country)
		if c == "" {
			c = Unknown
		}
		countries[c]++
	}

	visitors := doc.Visitors
	if limit > 0 && len(visitors) > limit {
		visitors = visitors[len(visitors)-limit:]
	}

	return Aggregates{
		Stats: Stats{
			Today: doc.Today[s.dayKey(now)],
			Month: doc.Month[s.monthKey(now)],
			Total: doc.Total,
		},
		Today:     doc.Today,
		Month:     doc.Month,
		Countries: countries,
		Visitors:  visitors,
	}, nil
}

// Ping loads the store within the storage deadline.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.backend.Load(ctx)
	return err
}

// clip truncates s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
