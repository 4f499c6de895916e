package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/geoscrape/internal/scraper"
)

// ResultStore keeps geographic search output in memory.
type ResultStore struct {
	mu         sync.RWMutex
	businesses map[string]scraper.Business
	order      []string
	searches   []scraper.SearchRecord
}

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{businesses: make(map[string]scraper.Business)}
}

// FilterUnseen returns the ids that are not stored yet, in input order.
func (s *ResultStore) FilterUnseen(_ context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, id := range ids {
		if _, ok := s.businesses[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// WriteBusinesses stores businesses, keeping the first copy of each ID.
func (s *ResultStore) WriteBusinesses(_ context.Context, businesses []scraper.Business) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range businesses {
		if _, ok := s.businesses[b.ID]; ok {
			continue
		}
		s.businesses[b.ID] = b
		s.order = append(s.order, b.ID)
	}
	return nil
}

// WriteSearch appends a search record.
func (s *ResultStore) WriteSearch(_ context.Context, record scraper.SearchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches = append(s.searches, record)
	return nil
}

// Businesses returns stored businesses in insertion order.
func (s *ResultStore) Businesses() []scraper.Business {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scraper.Business, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.businesses[id])
	}
	return out
}

// Searches returns stored search records.
func (s *ResultStore) Searches() []scraper.SearchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scraper.SearchRecord, len(s.searches))
	copy(out, s.searches)
	return out
}
