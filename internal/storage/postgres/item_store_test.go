package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/opsintel/intelhub/internal/intel"
)

func testRawItem(now time.Time) intel.RawItem {
	return intel.RawItem{
		ID:          "item-1",
		Fingerprint: "fp-1",
		SourceURL:   "https://news.example/a",
		Title:       "Port closure",
		Body:        "body text",
		Informant:   "collector-7",
		PublishedAt: now.Add(-time.Hour),
		CollectedAt: now,
		Status:      intel.StatusSubmitted,
	}
}

func TestReserveInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	item := testRawItem(now)

	mock.ExpectExec("INSERT INTO raw_items").
		WithArgs(
			item.ID,
			item.Fingerprint,
			item.SourceURL,
			item.Title,
			item.Body,
			item.Informant,
			item.PublishedAt,
			item.CollectedAt,
			"submitted",
			0,
			(*time.Time)(nil),
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Reserve(context.Background(), item))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveDuplicateFingerprint(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	item := testRawItem(now)

	mock.ExpectExec("INSERT INTO raw_items").
		WithArgs(
			item.ID, item.Fingerprint, item.SourceURL, item.Title, item.Body,
			item.Informant, item.PublishedAt, item.CollectedAt, "submitted", 0, (*time.Time)(nil), "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.Reserve(context.Background(), item)
	require.ErrorIs(t, err, intel.ErrDuplicateFingerprint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE raw_items").
		WithArgs("missing", "queued", 0, (*time.Time)(nil), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateStatus(context.Background(), "missing", intel.StatusQueued, 0, nil, "")
	require.ErrorIs(t, err, intel.ErrNotFound)
}

func TestUpdateStatusWithRetryBookkeeping(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	eligible := time.Unix(1700000300, 0).UTC()
	mock.ExpectExec("UPDATE raw_items").
		WithArgs("item-1", "retry_pending", 2, &eligible, "ai transport: timeout").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.UpdateStatus(context.Background(), "item-1", intel.StatusRetryPending, 2, &eligible, "ai transport: timeout")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAnalyzingClaimsQueuedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`UPDATE raw_items\s+SET status = 'analyzing'`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fingerprint", "source_url", "title", "body", "informant",
			"published_at", "collected_at", "status", "attempts", "next_eligible_at", "last_error",
		}).AddRow(
			"item-1", "fp-1", "u", "t", "b", "",
			now, now, "analyzing", 2, (*time.Time)(nil), "",
		))

	item, err := store.MarkAnalyzing(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusAnalyzing, item.Status)
	require.Equal(t, 2, item.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAnalyzingLosesRaceToAnotherClaimant(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	// The row is no longer queued, so the conditional update matches nothing.
	mock.ExpectQuery(`UPDATE raw_items\s+SET status = 'analyzing'`).
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fingerprint", "source_url", "title", "body", "informant",
			"published_at", "collected_at", "status", "attempts", "next_eligible_at", "last_error",
		}))

	_, err = store.MarkAnalyzing(context.Background(), "item-1")
	require.ErrorIs(t, err, intel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkQueuedConditionalOnStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE raw_items\s+SET status = 'queued'`).
		WithArgs("item-1", "retry_pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkQueued(context.Background(), "item-1", intel.StatusRetryPending))

	mock.ExpectExec(`UPDATE raw_items\s+SET status = 'queued'`).
		WithArgs("item-1", "retry_pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkQueued(context.Background(), "item-1", intel.StatusRetryPending)
	require.ErrorIs(t, err, intel.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	published := now.Add(-time.Hour)

	mock.ExpectQuery("SELECT (.+) FROM raw_items").
		WithArgs("item-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fingerprint", "source_url", "title", "body", "informant",
			"published_at", "collected_at", "status", "attempts", "next_eligible_at", "last_error",
		}).AddRow(
			"item-1", "fp-1", "https://news.example/a", "Port closure", "body text", "collector-7",
			published, now, "analyzing", 1, (*time.Time)(nil), "",
		))

	item, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, intel.StatusAnalyzing, item.Status)
	require.Equal(t, 1, item.Attempts)
	require.Nil(t, item.NextEligible)
}

func TestListRetryDue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewItemStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	eligible := now.Add(-time.Minute)

	mock.ExpectQuery("SELECT (.+) FROM raw_items").
		WithArgs(now, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fingerprint", "source_url", "title", "body", "informant",
			"published_at", "collected_at", "status", "attempts", "next_eligible_at", "last_error",
		}).AddRow(
			"item-1", "fp-1", "u", "t", "b", "",
			now, now, "retry_pending", 1, &eligible, "ai transport: timeout",
		))

	items, err := store.ListRetryDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, intel.StatusRetryPending, items[0].Status)
	require.NotNil(t, items[0].NextEligible)
}
