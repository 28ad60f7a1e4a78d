// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsintel/intelhub/internal/intel"
)

// ItemStore keeps raw items in memory, keyed by ID with a fingerprint
// uniqueness index.
type ItemStore struct {
	mu           sync.Mutex
	items        map[string]intel.RawItem
	fingerprints map[string]string
}

// NewItemStore constructs an empty store.
func NewItemStore() *ItemStore {
	return &ItemStore{
		items:        make(map[string]intel.RawItem),
		fingerprints: make(map[string]string),
	}
}

// Reserve claims the fingerprint and stores the item atomically.
func (s *ItemStore) Reserve(_ context.Context, item intel.RawItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fingerprints[item.Fingerprint]; exists {
		return intel.ErrDuplicateFingerprint
	}
	s.fingerprints[item.Fingerprint] = item.ID
	s.items[item.ID] = item
	return nil
}

// UpdateStatus records a state transition plus retry bookkeeping.
func (s *ItemStore) UpdateStatus(_ context.Context, itemID string, status intel.ItemStatus, attempts int, nextEligible *time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return intel.ErrNotFound
	}
	item.Status = status
	item.Attempts = attempts
	item.NextEligible = nextEligible
	item.LastError = lastError
	s.items[itemID] = item
	return nil
}

// MarkAnalyzing claims a queued item for analysis; a racing claimant finds
// the status already changed and gets ErrNotFound.
func (s *ItemStore) MarkAnalyzing(_ context.Context, itemID string) (intel.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.Status != intel.StatusQueued {
		return intel.RawItem{}, intel.ErrNotFound
	}
	item.Status = intel.StatusAnalyzing
	item.Attempts++
	item.NextEligible = nil
	item.LastError = ""
	s.items[itemID] = item
	return item, nil
}

// MarkQueued re-queues an item only if it still holds the expected status.
func (s *ItemStore) MarkQueued(_ context.Context, itemID string, from intel.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok || item.Status != from {
		return intel.ErrNotFound
	}
	item.Status = intel.StatusQueued
	item.NextEligible = nil
	s.items[itemID] = item
	return nil
}

// GetItem fetches one raw item by ID.
func (s *ItemStore) GetItem(_ context.Context, itemID string) (intel.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return intel.RawItem{}, intel.ErrNotFound
	}
	return item, nil
}

// ListResumable returns items that were in flight, oldest first.
func (s *ItemStore) ListResumable(_ context.Context, limit int) ([]intel.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []intel.RawItem
	for _, item := range s.items {
		switch item.Status {
		case intel.StatusSubmitted, intel.StatusQueued, intel.StatusAnalyzing:
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectedAt.Before(out[j].CollectedAt) })
	return truncate(out, limit), nil
}

// ListRetryDue returns parked items whose backoff has elapsed.
func (s *ItemStore) ListRetryDue(_ context.Context, now time.Time, limit int) ([]intel.RawItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []intel.RawItem
	for _, item := range s.items {
		if item.Status != intel.StatusRetryPending || item.NextEligible == nil {
			continue
		}
		if !item.NextEligible.After(now) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextEligible.Before(*out[j].NextEligible) })
	return truncate(out, limit), nil
}

func truncate(items []intel.RawItem, limit int) []intel.RawItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
