// Package scanstate tracks dynamic scans from submission to their terminal
// state. Callers only ever see copies of the records it owns.
package scanstate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

var (
	ErrNotFound          = errors.New("scan not found")
	ErrTerminal          = errors.New("scan already finished")
	ErrInvalidTransition = errors.New("invalid scan state transition")
)

const idTimeLayout = "20060102T150405.000000"

// Store is the registry of scan records, guarded by one mutex
type Store struct {
	mu      sync.Mutex
	records map[string]*schema.ScanRecord
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*schema.ScanRecord),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new scan in STARTING and returns its id
func (s *Store) Create(target schema.TargetRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now().UTC()
	id := newScanID(target, start)
	s.records[id] = &schema.ScanRecord{
		ScanID:    id,
		Target:    target,
		Status:    schema.StatusStarting,
		StartTime: start,
	}
	return id
}

// Update merges u into the record. Terminal records are frozen: any update
// to them fails with ErrTerminal. Setting a terminal status stamps end_time
// (unless u carries one) and duration_seconds.
func (s *Store) Update(id string, u schema.ScanUpdate) (schema.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return schema.ScanRecord{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if rec.Status.Terminal() {
		return clone(rec), fmt.Errorf("%s is %s: %w", id, rec.Status, ErrTerminal)
	}
	if u.Status != nil && !allowed(rec.Status, *u.Status) {
		return clone(rec), fmt.Errorf("%s: %s -> %s: %w", id, rec.Status, *u.Status, ErrInvalidTransition)
	}

	if u.SpiderProgress != nil {
		rec.SpiderProgress = clampPct(*u.SpiderProgress)
	}
	if u.AjaxProgress != nil {
		rec.AjaxProgress = clampPct(*u.AjaxProgress)
	}
	if u.PassiveProgress != nil {
		rec.PassiveProgress = clampPct(*u.PassiveProgress)
	}
	if u.ActiveProgress != nil {
		rec.ActiveProgress = clampPct(*u.ActiveProgress)
	}
	if u.Counts != nil {
		rec.Counts = *u.Counts
	}
	if u.Error != nil {
		rec.Error = schema.Ptr(*u.Error)
	}
	if u.EndTime != nil {
		rec.EndTime = schema.Ptr(u.EndTime.UTC())
	}
	if u.Status != nil {
		rec.Status = *u.Status
		if rec.Status.Terminal() {
			if rec.EndTime == nil {
				rec.EndTime = schema.Ptr(s.now().UTC())
			}
			rec.DurationSeconds = rec.EndTime.Sub(rec.StartTime).Seconds()
		}
	}
	return clone(rec), nil
}

// Get returns a copy of the record
func (s *Store) Get(id string) (schema.ScanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return schema.ScanRecord{}, false
	}
	return clone(rec), true
}

// LatestFor returns the most recently created scan of target. Recency is
// read from the creation timestamp embedded in the scan id.
func (s *Store) LatestFor(target schema.TargetRef) (schema.ScanRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best   *schema.ScanRecord
		bestAt time.Time
	)
	for id, rec := range s.records {
		if rec.Target != target {
			continue
		}
		at, err := CreatedAt(id)
		if err != nil {
			at = rec.StartTime
		}
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && id > best.ScanID) {
			best, bestAt = rec, at
		}
	}
	if best == nil {
		return schema.ScanRecord{}, false
	}
	return clone(best), true
}

// List returns copies of every record, in no particular order
func (s *Store) List() []schema.ScanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.ScanRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	return out
}

// Cleanup drops terminal records whose end_time is older than maxAge and
// reports how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for id, rec := range s.records {
		if !rec.Status.Terminal() || rec.EndTime == nil {
			continue
		}
		if rec.EndTime.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// CreatedAt extracts the creation time embedded in a scan id
func CreatedAt(id string) (time.Time, error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return time.Time{}, fmt.Errorf("malformed scan id %q", id)
	}
	return time.Parse(idTimeLayout, parts[len(parts)-2])
}

func newScanID(target schema.TargetRef, at time.Time) string {
	model := strings.Map(func(r rune) rune {
		switch r {
		case '_', '/', ' ':
			return '-'
		}
		return r
	}, target.Model)
	return fmt.Sprintf("zap_%s_app%d_%s_%s", model, target.App, at.Format(idTimeLayout), uuid.NewString()[:8])
}

var phaseRank = map[schema.ScanStatus]int{
	schema.StatusStarting:  1,
	schema.StatusSpidering: 2,
	schema.StatusScanning:  3,
}

func allowed(from, to schema.ScanStatus) bool {
	switch to {
	case schema.StatusError, schema.StatusStopped:
		return true
	case schema.StatusComplete, schema.StatusFailed:
		return from == schema.StatusScanning
	}
	r, ok := phaseRank[to]
	return ok && r >= phaseRank[from]
}

func clampPct(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func clone(rec *schema.ScanRecord) schema.ScanRecord {
	out := *rec
	if rec.EndTime != nil {
		out.EndTime = schema.Ptr(*rec.EndTime)
	}
	if rec.Error != nil {
		out.Error = schema.Ptr(*rec.Error)
	}
	return out
}
