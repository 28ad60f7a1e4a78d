package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/opsintel/intelhub/internal/intel"
)

// ArchiveStore commits accepted verdicts to the append-only archive.
type ArchiveStore struct {
	pool dbPool
}

// NewArchiveStore constructs a store from an existing pool.
func NewArchiveStore(pool dbPool) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArchiveStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const archiveColumns = `fingerprint, item_id, source_url, title, body, informant, published_at, collected_at, event_title, event_brief, ratings, locations, people, organizations, raw_model_text, service_identity, max_rate_class, max_rate_score, archived_at`

// Commit inserts the record unless its fingerprint is already archived, in
// which case the previously stored record is returned unchanged. Exactly
// one archive row ever exists per fingerprint.
func (s *ArchiveStore) Commit(ctx context.Context, record intel.ArchivedIntelligence) (intel.ArchivedIntelligence, error) {
	if record.Fingerprint == "" {
		return intel.ArchivedIntelligence{}, fmt.Errorf("record fingerprint is required")
	}
	ratingsJSON, err := json.Marshal(record.Ratings)
	if err != nil {
		return intel.ArchivedIntelligence{}, fmt.Errorf("marshal ratings: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO archive (`+archiveColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
ON CONFLICT (fingerprint) DO NOTHING`,
		record.Fingerprint,
		record.ItemID,
		record.SourceURL,
		record.Title,
		record.Body,
		record.Informant,
		record.PublishedAt,
		record.CollectedAt,
		record.EventTitle,
		record.EventBrief,
		ratingsJSON,
		emptyIfNil(record.Entities.Locations),
		emptyIfNil(record.Entities.People),
		emptyIfNil(record.Entities.Organizations),
		record.RawModelText,
		record.ServiceIdentity,
		record.MaxRateClass,
		record.MaxRateScore,
		record.ArchivedAt,
	)
	if err != nil {
		return intel.ArchivedIntelligence{}, fmt.Errorf("insert archive record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return record, nil
	}
	existing, err := s.getByFingerprint(ctx, record.Fingerprint)
	if err != nil {
		return intel.ArchivedIntelligence{}, fmt.Errorf("load existing archive record: %w", err)
	}
	return existing, nil
}

// Get fetches one archived record by the originating item ID.
func (s *ArchiveStore) Get(ctx context.Context, itemID string) (intel.ArchivedIntelligence, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+archiveColumns+`
FROM archive
WHERE item_id = $1`, itemID)
	record, err := scanArchive(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return intel.ArchivedIntelligence{}, intel.ErrNotFound
		}
		return intel.ArchivedIntelligence{}, fmt.Errorf("get archive record: %w", err)
	}
	return record, nil
}

func (s *ArchiveStore) getByFingerprint(ctx context.Context, fingerprint string) (intel.ArchivedIntelligence, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+archiveColumns+`
FROM archive
WHERE fingerprint = $1`, fingerprint)
	return scanArchive(row)
}

// Query runs a filtered, paginated read ordered by archive time descending.
func (s *ArchiveStore) Query(ctx context.Context, filter intel.QueryFilter) (intel.QueryResult, error) {
	where := buildWhere(filter)

	countSQL, countArgs, err := sq.Select("COUNT(*)").
		From("archive").
		Where(where).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return intel.QueryResult{}, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return intel.QueryResult{}, fmt.Errorf("count archive records: %w", err)
	}

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

	pageSQL, pageArgs, err := sq.Select(archiveColumns).
		From("archive").
		Where(where).
		OrderBy("archived_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return intel.QueryResult{}, fmt.Errorf("build page query: %w", err)
	}

	rows, err := s.pool.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return intel.QueryResult{}, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	results := make([]intel.ArchivedIntelligence, 0, limit)
	for rows.Next() {
		record, err := scanArchive(rows)
		if err != nil {
			return intel.QueryResult{}, fmt.Errorf("scan archive record: %w", err)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return intel.QueryResult{}, fmt.Errorf("iterate archive records: %w", err)
	}
	return intel.QueryResult{Results: results, Total: total}, nil
}

func buildWhere(filter intel.QueryFilter) sq.And {
	where := sq.And{}
	if filter.Threshold != nil {
		where = append(where, sq.GtOrEq{"max_rate_score": *filter.Threshold})
	}
	if filter.Since != nil {
		where = append(where, sq.GtOrEq{"archived_at": *filter.Since})
	}
	if filter.Until != nil {
		where = append(where, sq.Lt{"archived_at": *filter.Until})
	}
	if filter.Keyword != "" {
		pattern := "%" + filter.Keyword + "%"
		where = append(where, sq.Or{
			sq.ILike{"title": pattern},
			sq.ILike{"event_title": pattern},
			sq.ILike{"event_brief": pattern},
		})
	}
	if len(filter.Locations) > 0 {
		where = append(where, sq.Expr("locations && ?", filter.Locations))
	}
	if len(filter.People) > 0 {
		where = append(where, sq.Expr("people && ?", filter.People))
	}
	if len(filter.Organizations) > 0 {
		where = append(where, sq.Expr("organizations && ?", filter.Organizations))
	}
	if len(where) == 0 {
		where = append(where, sq.Expr("TRUE"))
	}
	return where
}

func scanArchive(row pgx.Row) (intel.ArchivedIntelligence, error) {
	var record intel.ArchivedIntelligence
	var ratingsJSON []byte
	err := row.Scan(
		&record.Fingerprint,
		&record.ItemID,
		&record.SourceURL,
		&record.Title,
		&record.Body,
		&record.Informant,
		&record.PublishedAt,
		&record.CollectedAt,
		&record.EventTitle,
		&record.EventBrief,
		&ratingsJSON,
		&record.Entities.Locations,
		&record.Entities.People,
		&record.Entities.Organizations,
		&record.RawModelText,
		&record.ServiceIdentity,
		&record.MaxRateClass,
		&record.MaxRateScore,
		&record.ArchivedAt,
	)
	if err != nil {
		return intel.ArchivedIntelligence{}, err
	}
	if len(ratingsJSON) > 0 {
		if err := json.Unmarshal(ratingsJSON, &record.Ratings); err != nil {
			return intel.ArchivedIntelligence{}, fmt.Errorf("unmarshal ratings: %w", err)
		}
	}
	return record, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
