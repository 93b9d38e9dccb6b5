// Package geoip resolves country and city names from a local MaxMind database.
// Results are display hints only.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
)

// Location is what a lookup yields; empty fields mean "not known".
type Location struct {
	Country string
	City    string
}

// Lookup is safe for concurrent use. A Lookup without a database answers
// every query with an empty Location.
type Lookup struct {
	mu        sync.RWMutex
	db        *maxminddb.Reader
	path      string
	modTime   time.Time
	preferred string
}

// record covers both GeoLite2-Country and GeoLite2-City layouts.
type record struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

func NewLookup() *Lookup {
	return &Lookup{preferred: "en"}
}

// Open loads the database at path. An empty path leaves lookups disabled.
func (g *Lookup) Open(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.path = path
	if path == "" {
		return nil
	}
	return g.load()
}

// caller holds g.mu
func (g *Lookup) load() error {
	info, err := os.Stat(g.path)
	if err != nil {
		return fmt.Errorf("geoip database %s: %w", g.path, err)
	}
	if g.db != nil && info.ModTime().Equal(g.modTime) {
		return nil
	}
	db, err := maxminddb.Open(g.path)
	if err != nil {
		return fmt.Errorf("open geoip database: %w", err)
	}
	if g.db != nil {
		_ = g.db.Close()
	}
	g.db = db
	g.modTime = info.ModTime()
	return nil
}

// Reload picks up a replaced database file.
func (g *Lookup) Reload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.path == "" {
		return nil
	}
	return g.load()
}

func (g *Lookup) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db != nil
}

func (g *Lookup) Locate(ip string) Location {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return Location{}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.db == nil {
		return Location{}
	}

	var rec record
	if err := g.db.Lookup(parsed, &rec); err != nil {
		return Location{}
	}
	loc := Location{Country: rec.Country.Names[g.preferred], City: rec.City.Names[g.preferred]}
	if loc.Country == "" {
		loc.Country = rec.Country.ISOCode
	}
	return loc
}

func (g *Lookup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}
