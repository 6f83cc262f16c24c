package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
)

// Store is an in-memory ResultStore. Expired records are dropped lazily on
// Load and by PurgeExpired.
type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.AggregatedRecord
	now     func() time.Time
}

var _ ports.ResultStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to decide expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*domain.AggregatedRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores a copy of rec, replacing any previous record with the same id.
func (s *Store) Save(ctx context.Context, rec *domain.AggregatedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.RequestID] = clone(rec)
	return nil
}

func (s *Store) Load(ctx context.Context, requestID string) (*domain.AggregatedRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[requestID]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.ErrNotFound
	}
	if rec.Expired(s.now()) {
		s.mu.Lock()
		if cur, ok := s.records[requestID]; ok && cur == rec {
			delete(s.records, requestID)
		}
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

// PurgeExpired removes expired records and returns how many were dropped.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error {
	return nil
}

func clone(rec *domain.AggregatedRecord) *domain.AggregatedRecord {
	c := *rec
	c.Results = slices.Clone(rec.Results)
	for i := range c.Results {
		c.Results[i].Tags = slices.Clone(c.Results[i].Tags)
		c.Results[i].Raw = slices.Clone(c.Results[i].Raw)
	}
	return &c
}
