// Package intel defines core types shared across pipeline subsystems.
package intel

import (
	"time"
)

// ItemStatus represents the lifecycle state of a raw item.
type ItemStatus string

// Item status values persisted in the item store.
const (
	StatusSubmitted    ItemStatus = "submitted"
	StatusQueued       ItemStatus = "queued"
	StatusAnalyzing    ItemStatus = "analyzing"
	StatusRetryPending ItemStatus = "retry_pending"
	StatusArchived     ItemStatus = "archived"
	StatusDiscarded    ItemStatus = "discarded"
	StatusFailed       ItemStatus = "failed"
)

// IsTerminal reports whether the status ends the item's lifecycle.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case StatusArchived, StatusDiscarded, StatusFailed:
		return true
	default:
		return false
	}
}

// RawItem is a collected document as submitted by a collector, plus the
// pipeline bookkeeping needed to resume it after a restart.
type RawItem struct {
	ID           string     `json:"id"`
	Fingerprint  string     `json:"fingerprint"`
	SourceURL    string     `json:"source_url"`
	Title        string     `json:"title"`
	Body         string     `json:"body"`
	Informant    string     `json:"informant"`
	PublishedAt  time.Time  `json:"published_at"`
	CollectedAt  time.Time  `json:"collected_at"`
	Status       ItemStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	NextEligible *time.Time `json:"next_eligible_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Rating is one named scoring dimension returned by the analyzer.
type Rating struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

// Entities holds named entities extracted from a document.
type Entities struct {
	Locations     []string `json:"locations,omitempty"`
	People        []string `json:"people,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
}

// Verdict is the validated result of one AI analysis attempt.
type Verdict struct {
	RawItemID       string   `json:"raw_item_id"`
	EventTitle      string   `json:"event_title"`
	EventBrief      string   `json:"event_brief"`
	Ratings         []Rating `json:"ratings"`
	Entities        Entities `json:"entities"`
	RawModelText    string   `json:"-"`
	ServiceIdentity string   `json:"service_identity"`
}

// ArchivedIntelligence is the append-only record committed for an accepted
// verdict. Exactly one exists per fingerprint.
type ArchivedIntelligence struct {
	ItemID          string    `json:"item_id"`
	Fingerprint     string    `json:"fingerprint"`
	SourceURL       string    `json:"source_url"`
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	Informant       string    `json:"informant"`
	PublishedAt     time.Time `json:"published_at"`
	CollectedAt     time.Time `json:"collected_at"`
	EventTitle      string    `json:"event_title"`
	EventBrief      string    `json:"event_brief"`
	Ratings         []Rating  `json:"ratings"`
	Entities        Entities  `json:"entities"`
	RawModelText    string    `json:"-"`
	ServiceIdentity string    `json:"service_identity"`
	MaxRateClass    string    `json:"max_rate_class"`
	MaxRateScore    float64   `json:"max_rate_score"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// QueueItem wraps an item ready for analysis dispatch.
type QueueItem struct {
	ItemID      string
	Fingerprint string
	Attempt     int
	Submitted   int64
}

// QueryFilter narrows an archive query. Zero values mean "no constraint".
type QueryFilter struct {
	Threshold     *float64
	Since         *time.Time
	Until         *time.Time
	Keyword       string
	Locations     []string
	People        []string
	Organizations []string
	Limit         int
	Offset        int
}

// QueryResult is returned by the archive read API.
type QueryResult struct {
	Results []ArchivedIntelligence `json:"results"`
	Total   int                    `json:"total"`
}
