package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/opsintel/intelhub/internal/intel"
)

// ArchiveStore keeps archived records in memory, keyed by fingerprint.
type ArchiveStore struct {
	mu      sync.Mutex
	records map[string]intel.ArchivedIntelligence
	byItem  map[string]string
}

// NewArchiveStore constructs an empty archive.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{
		records: make(map[string]intel.ArchivedIntelligence),
		byItem:  make(map[string]string),
	}
}

// Commit stores the record unless its fingerprint is already archived, in
// which case the existing record is returned unchanged.
func (s *ArchiveStore) Commit(_ context.Context, record intel.ArchivedIntelligence) (intel.ArchivedIntelligence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.Fingerprint]; ok {
		return existing, nil
	}
	s.records[record.Fingerprint] = record
	s.byItem[record.ItemID] = record.Fingerprint
	return record, nil
}

// Get fetches one archived record by the originating item ID.
func (s *ArchiveStore) Get(_ context.Context, itemID string) (intel.ArchivedIntelligence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.byItem[itemID]
	if !ok {
		return intel.ArchivedIntelligence{}, intel.ErrNotFound
	}
	return s.records[fp], nil
}

// Query filters and paginates records, newest archived first.
func (s *ArchiveStore) Query(_ context.Context, filter intel.QueryFilter) (intel.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []intel.ArchivedIntelligence
	for _, rec := range s.records {
		if matches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ArchivedAt.After(matched[j].ArchivedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return intel.QueryResult{Results: []intel.ArchivedIntelligence{}, Total: total}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return intel.QueryResult{Results: matched[offset:end], Total: total}, nil
}

func matches(rec intel.ArchivedIntelligence, filter intel.QueryFilter) bool {
	if filter.Threshold != nil && rec.MaxRateScore < *filter.Threshold {
		return false
	}
	if filter.Since != nil && rec.ArchivedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && !rec.ArchivedAt.Before(*filter.Until) {
		return false
	}
	if filter.Keyword != "" {
		kw := strings.ToLower(filter.Keyword)
		if !strings.Contains(strings.ToLower(rec.Title), kw) &&
			!strings.Contains(strings.ToLower(rec.EventTitle), kw) &&
			!strings.Contains(strings.ToLower(rec.EventBrief), kw) {
			return false
		}
	}
	if !overlaps(rec.Entities.Locations, filter.Locations) {
		return false
	}
	if !overlaps(rec.Entities.People, filter.People) {
		return false
	}
	return overlaps(rec.Entities.Organizations, filter.Organizations)
}

func overlaps(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[strings.ToLower(v)] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[strings.ToLower(v)]; ok {
			return true
		}
	}
	return false
}
