// Package limiter tracks failed admin logins per client address and locks an
// address out after too many failures inside a window.
package limiter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrLocked   = errors.New("too many login attempts")
	ErrRejected = errors.New("invalid credentials")
)

type Config struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
	// MaxCacheMB bounds the memory held by attempt records. 0 means unbounded.
	MaxCacheMB int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Window:      10 * time.Minute,
		Lockout:     10 * time.Minute,
		MaxCacheMB:  8,
	}
}

// record is one address's attempt state. Zero times mean "cleared".
type record struct {
	count       int
	windowStart time.Time
	lastAttempt time.Time
}

const recordSize = 24

func (r record) marshal() []byte {
	b := make([]byte, recordSize)
	binary.BigEndian.PutUint64(b[0:], uint64(r.count))
	binary.BigEndian.PutUint64(b[8:], uint64(unixNano(r.windowStart)))
	binary.BigEndian.PutUint64(b[16:], uint64(unixNano(r.lastAttempt)))
	return b
}

func unmarshalRecord(b []byte) (record, bool) {
	if len(b) != recordSize {
		return record{}, false
	}
	return record{
		count:       int(binary.BigEndian.Uint64(b[0:])),
		windowStart: fromUnixNano(int64(binary.BigEndian.Uint64(b[8:]))),
		lastAttempt: fromUnixNano(int64(binary.BigEndian.Uint64(b[16:]))),
	}, true
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

const stripes = 64

type Limiter struct {
	cfg   Config
	cache *bigcache.BigCache
	seed  maphash.Seed
	locks [stripes]sync.Mutex
	now   func() time.Time
}

// New builds a limiter whose records expire from memory once neither the
// window nor the lockout can still apply to them.
func New(ctx context.Context, cfg Config) (*Limiter, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = def.Lockout
	}

	life := cfg.Window
	if cfg.Lockout > life {
		life = cfg.Lockout
	}
	cc := bigcache.DefaultConfig(life)
	cc.Shards = 64
	cc.CleanWindow = time.Minute
	cc.MaxEntriesInWindow = 10000
	cc.MaxEntrySize = recordSize
	cc.HardMaxCacheSize = cfg.MaxCacheMB
	cc.Verbose = false

	cache, err := bigcache.New(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("limiter cache: %w", err)
	}
	return &Limiter{cfg: cfg, cache: cache, seed: maphash.MakeSeed(), now: time.Now}, nil
}

// WithClock replaces the time source used for window and lockout math.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) Close() error { return l.cache.Close() }

func (l *Limiter) lockFor(addr string) *sync.Mutex {
	return &l.locks[maphash.String(l.seed, addr)%stripes]
}

func (l *Limiter) load(addr string, now time.Time) record {
	b, err := l.cache.Get(addr)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			log.Warn().Err(err).Msg("limiter: read record")
		}
		return record{windowStart: now}
	}
	rec, ok := unmarshalRecord(b)
	if !ok {
		return record{windowStart: now}
	}
	if rec.windowStart.IsZero() {
		rec.windowStart = now
	}
	return rec
}

func (l *Limiter) store(addr string, rec record) {
	if err := l.cache.Set(addr, rec.marshal()); err != nil {
		log.Error().Err(err).Msg("limiter: write record")
	}
}

func (l *Limiter) locked(rec record, now time.Time) bool {
	return rec.count >= l.cfg.MaxAttempts && now.Sub(rec.lastAttempt) < l.cfg.Lockout
}

func (l *Limiter) rollWindow(rec *record, now time.Time) {
	if now.Sub(rec.windowStart) > l.cfg.Window {
		rec.count = 0
		rec.windowStart = now
	}
}

// Locked reports whether addr is currently locked out without recording an
// attempt.
func (l *Limiter) Locked(addr string) bool {
	mu := l.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	rec := l.load(addr, now)
	l.rollWindow(&rec, now)
	return l.locked(rec, now)
}

// Attempt runs authenticate for addr unless the address is locked out. The
// whole check-evaluate-record sequence holds the address's lock, so parallel
// attempts from one address cannot slip past the limit.
//
// It returns nil on success, ErrLocked without calling authenticate while
// locked, and ErrRejected when authenticate reports false.
func (l *Limiter) Attempt(addr string, authenticate func() bool) error {
	mu := l.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	rec := l.load(addr, now)
	l.rollWindow(&rec, now)

	if l.locked(rec, now) {
		l.store(addr, rec)
		return ErrLocked
	}

	if authenticate() {
		if err := l.cache.Delete(addr); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			log.Warn().Err(err).Msg("limiter: clear record")
		}
		return nil
	}

	rec.count++
	rec.lastAttempt = now
	l.store(addr, rec)
	if rec.count >= l.cfg.MaxAttempts {
		log.Warn().Int("attempts", rec.count).Dur("lockout", l.cfg.Lockout).Msg("login locked out")
	}
	return ErrRejected
}

// Remaining returns how many failures addr may still make before lockout.
func (l *Limiter) Remaining(addr string) int {
	mu := l.lockFor(addr)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()
	rec := l.load(addr, now)
	l.rollWindow(&rec, now)
	if n := l.cfg.MaxAttempts - rec.count; n > 0 {
		return n
	}
	return 0
}

// Tracked is the number of addresses currently holding a record.
func (l *Limiter) Tracked() int { return l.cache.Len() }
