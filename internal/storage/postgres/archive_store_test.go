package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/intelhub/internal/intel"
)

var archiveRowColumns = []string{
	"fingerprint", "item_id", "source_url", "title", "body", "informant",
	"published_at", "collected_at", "event_title", "event_brief", "ratings",
	"locations", "people", "organizations", "raw_model_text",
	"service_identity", "max_rate_class", "max_rate_score", "archived_at",
}

func testArchiveRecord(now time.Time) intel.ArchivedIntelligence {
	return intel.ArchivedIntelligence{
		ItemID:          "item-1",
		Fingerprint:     "fp-1",
		SourceURL:       "https://news.example/a",
		Title:           "Port closure",
		Body:            "body text",
		Informant:       "collector-7",
		PublishedAt:     now.Add(-time.Hour),
		CollectedAt:     now,
		EventTitle:      "Port closure in Rotterdam",
		EventBrief:      "Operations suspended.",
		Ratings:         []intel.Rating{{Class: "情报价值", Score: 8.5}},
		Entities:        intel.Entities{Locations: []string{"Rotterdam"}},
		ServiceIdentity: "primary/test-model",
		MaxRateClass:    "情报价值",
		MaxRateScore:    8.5,
		ArchivedAt:      now,
	}
}

func archiveRowValues(rec intel.ArchivedIntelligence, ratingsJSON string) []any {
	return []any{
		rec.Fingerprint, rec.ItemID, rec.SourceURL, rec.Title, rec.Body, rec.Informant,
		rec.PublishedAt, rec.CollectedAt, rec.EventTitle, rec.EventBrief, []byte(ratingsJSON),
		rec.Entities.Locations, []string{}, []string{}, rec.RawModelText,
		rec.ServiceIdentity, rec.MaxRateClass, rec.MaxRateScore, rec.ArchivedAt,
	}
}

func TestCommitInsertsRecord(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testArchiveRecord(now)

	mock.ExpectExec("INSERT INTO archive").
		WithArgs(
			rec.Fingerprint, rec.ItemID, rec.SourceURL, rec.Title, rec.Body, rec.Informant,
			rec.PublishedAt, rec.CollectedAt, rec.EventTitle, rec.EventBrief,
			[]byte(`[{"class":"情报价值","score":8.5}]`),
			rec.Entities.Locations, []string{}, []string{}, rec.RawModelText,
			rec.ServiceIdentity, rec.MaxRateClass, rec.MaxRateScore, rec.ArchivedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	stored, err := store.Commit(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, rec.Fingerprint, stored.Fingerprint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitIdempotentOnConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testArchiveRecord(now)
	earlier := testArchiveRecord(now.Add(-time.Minute))

	mock.ExpectExec("INSERT INTO archive").
		WithArgs(
			rec.Fingerprint, rec.ItemID, rec.SourceURL, rec.Title, rec.Body, rec.Informant,
			rec.PublishedAt, rec.CollectedAt, rec.EventTitle, rec.EventBrief,
			[]byte(`[{"class":"情报价值","score":8.5}]`),
			rec.Entities.Locations, []string{}, []string{}, rec.RawModelText,
			rec.ServiceIdentity, rec.MaxRateClass, rec.MaxRateScore, rec.ArchivedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	mock.ExpectQuery("SELECT (.+) FROM archive").
		WithArgs(rec.Fingerprint).
		WillReturnRows(pgxmock.NewRows(archiveRowColumns).
			AddRow(archiveRowValues(earlier, `[{"class":"情报价值","score":8.5}]`)...))

	stored, err := store.Commit(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, earlier.ArchivedAt, stored.ArchivedAt, "second commit must return the first record")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM archive").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(archiveRowColumns))

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, intel.ErrNotFound)
}

func TestQueryWithThresholdFilter(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewArchiveStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := testArchiveRecord(now)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM archive`).
		WithArgs(6.0).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	mock.ExpectQuery("SELECT (.+) FROM archive").
		WithArgs(6.0).
		WillReturnRows(pgxmock.NewRows(archiveRowColumns).
			AddRow(archiveRowValues(rec, `[{"class":"情报价值","score":8.5}]`)...))

	threshold := 6.0
	result, err := store.Query(context.Background(), intel.QueryFilter{Threshold: &threshold})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	require.Len(t, result.Results, 1)
	require.InDelta(t, 8.5, result.Results[0].MaxRateScore, 1e-9)
	require.Equal(t, []intel.Rating{{Class: "情报价值", Score: 8.5}}, result.Results[0].Ratings)
	require.NoError(t, mock.ExpectationsWereMet())
}
