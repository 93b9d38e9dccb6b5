package analytics

import (
	"context"
	"time"
)

// VisitorEvent is one accepted visit. The raw client address is never kept;
// IPHash identifies the visitor for same-day dedup only.
type VisitorEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Page      string    `json:"page"`
	Role      string    `json:"role"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	IPHash    string    `json:"ipHash"`
	UserAgent string    `json:"userAgent"`
	Referer   string    `json:"referer"`
	Browser   string    `json:"browser,omitempty"`
	OS        string    `json:"os,omitempty"`
	Device    string    `json:"device,omitempty"`
}

// Document is the single durable record. Total == sum(Today) == len(Visitors)
// after every successful save.
type Document struct {
	Today    map[string]int `json:"today"`
	Month    map[string]int `json:"month"`
	Total    int            `json:"total"`
	Visitors []VisitorEvent `json:"visitors"`
}

func NewDocument() *Document {
	return &Document{
		Today:    map[string]int{},
		Month:    map[string]int{},
		Visitors: []VisitorEvent{},
	}
}

func (d *Document) normalize() *Document {
	if d.Today == nil {
		d.Today = map[string]int{}
	}
	if d.Month == nil {
		d.Month = map[string]int{}
	}
	if d.Visitors == nil {
		d.Visitors = []VisitorEvent{}
	}
	return d
}

// Backend loads and saves the whole Document. Load on an empty backend
// returns a fresh Document; Save must replace the stored record atomically.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Close() error
}
