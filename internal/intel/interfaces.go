package intel

import (
	"context"
	"time"
)

// ItemStore persists raw items and their pipeline state.
type ItemStore interface {
	// Reserve atomically inserts the item, claiming its fingerprint.
	// Returns ErrDuplicateFingerprint if the fingerprint is already taken.
	Reserve(ctx context.Context, item RawItem) error
	// UpdateStatus records a state transition plus retry bookkeeping.
	UpdateStatus(ctx context.Context, itemID string, status ItemStatus, attempts int, nextEligible *time.Time, lastError string) error
	// MarkAnalyzing atomically claims a queued item for analysis, bumping
	// its attempt counter. Returns ErrNotFound when the item is missing or
	// no longer queued, so a second claimant backs off.
	MarkAnalyzing(ctx context.Context, itemID string) (RawItem, error)
	// MarkQueued re-queues an item only if it still holds the given status.
	// Returns ErrNotFound when the item moved on in the meantime.
	MarkQueued(ctx context.Context, itemID string, from ItemStatus) error
	GetItem(ctx context.Context, itemID string) (RawItem, error)
	// ListResumable returns non-terminal items for startup replay.
	ListResumable(ctx context.Context, limit int) ([]RawItem, error)
	// ListRetryDue returns retry_pending items whose backoff has elapsed.
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]RawItem, error)
}

// ArchiveStore commits accepted verdicts and serves read queries.
type ArchiveStore interface {
	// Commit is idempotent on fingerprint: a second commit returns the
	// already-stored record instead of erroring or duplicating.
	Commit(ctx context.Context, record ArchivedIntelligence) (ArchivedIntelligence, error)
	Get(ctx context.Context, itemID string) (ArchivedIntelligence, error)
	Query(ctx context.Context, filter QueryFilter) (QueryResult, error)
}

// Analyzer sends a document to the AI backend and returns a validated verdict.
type Analyzer interface {
	Analyze(ctx context.Context, item RawItem) (Verdict, error)
}

// Queue provides enqueue/dequeue semantics for analysis work.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Publisher pushes archive events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes audit artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces item IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
