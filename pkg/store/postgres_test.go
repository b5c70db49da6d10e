package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres"), "", time.Second), mock
}

func TestPostgresStoreEnsureSchema(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "spread_records"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppend(t *testing.T) {
	s, mock := newMockPostgres(t)
	rec := SummaryRecord(models.BucketSummary{Instrument: "ETH-USD", BucketStart: t0, AvgSpread: 1.5, Count: 4})

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "spread_records" (kind, symbol, ts, payload) VALUES ($1, $2, $3, $4)`)).
		WithArgs("bucket", "ETH-USD", t0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Append(context.Background(), KindBucket, rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreQuery(t *testing.T) {
	s, mock := newMockPostgres(t)
	payload, err := json.Marshal(ObservationRecord(obs("BTC-USD", t0, 50000, 50050)))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT payload FROM "spread_records" WHERE kind = $1 AND symbol = $2 AND ts >= $3 ORDER BY ts, symbol, id`)).
		WithArgs("price_update", "BTC-USD", t0).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	recs, err := s.Query(context.Background(), KindPriceUpdate, "BTC-USD", t0, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Observation)
	assert.Equal(t, 50.0, recs[0].Observation.Spread)
	assert.InDelta(t, 0.1, recs[0].Observation.SpreadPct, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreScanRange(t *testing.T) {
	s, mock := newMockPostgres(t)
	end := t0.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT payload FROM "spread_records" WHERE kind = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts, symbol, id`)).
		WithArgs("price_update", t0, end).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	recs, err := s.Scan(context.Background(), KindPriceUpdate, t0, end)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePruneAndStats(t *testing.T) {
	s, mock := newMockPostgres(t)
	cutoff := t0.Add(-7 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "spread_records" WHERE ts < $1`)).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	removed, err := s.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\) FILTER`).
		WithArgs("price_update", "bucket").
		WillReturnRows(sqlmock.NewRows([]string{"total_updates", "total_aggregated", "first_ts", "last_ts"}).
			AddRow(int64(120), int64(3), t0, t0.Add(time.Hour)))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), st.TotalUpdates)
	assert.Equal(t, int64(3), st.TotalAggregated)
	assert.True(t, st.FirstTimestamp.Equal(t0))
	assert.True(t, st.LastTimestamp.Equal(t0.Add(time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEmptyStats(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"total_updates", "total_aggregated", "first_ts", "last_ts"}).
			AddRow(int64(0), int64(0), nil, nil))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalUpdates)
	assert.True(t, st.FirstTimestamp.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
