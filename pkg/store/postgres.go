package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/gregtusar/spreadwatch/pkg/models"
)

const (
	DefaultTable        = "spread_records"
	DefaultQueryTimeout = 10 * time.Second
)

// PostgresStore keeps every kind in one table with the record as a jsonb
// payload and (kind, symbol, ts) indexed for range reads.
type PostgresStore struct {
	db      *sqlx.DB
	table   string
	timeout time.Duration
}

func NewPostgresStore(db *sqlx.DB, table string, timeout time.Duration) *PostgresStore {
	if table == "" {
		table = DefaultTable
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table), timeout: timeout}
}

// OpenPostgres connects with the lib/pq driver and creates the table if needed.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	s := NewPostgresStore(db, table, 0)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	index := pq.QuoteIdentifier(strings.Trim(s.table, `"`) + "_kind_symbol_ts")
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id      BIGSERIAL PRIMARY KEY,
			kind    TEXT NOT NULL,
			symbol  TEXT NOT NULL,
			ts      TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (kind, symbol, ts)`, s.table, index, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, kind Kind, rec Record) error {
	if err := validate(kind, rec); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (kind, symbol, ts, payload) VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, string(kind), string(rec.Symbol), rec.Timestamp, payload); err != nil {
		return fmt.Errorf("failed to insert %s record: %w", kind, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, kind Kind, symbol models.InstrumentKey, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	return s.selectRecords(ctx, kind, string(symbol), start, end)
}

func (s *PostgresStore) Scan(ctx context.Context, kind Kind, start, end time.Time) ([]Record, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	return s.selectRecords(ctx, kind, "", start, end)
}

func (s *PostgresStore) selectRecords(ctx context.Context, kind Kind, symbol string, start, end time.Time) ([]Record, error) {
	where := []string{"kind = $1"}
	args := []interface{}{string(kind)}
	if symbol != "" {
		args = append(args, symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if !start.IsZero() {
		args = append(args, start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !end.IsZero() {
		args = append(args, end)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE %s ORDER BY ts, symbol, id`,
		s.table, strings.Join(where, " AND "))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payloads [][]byte
	if err := s.db.SelectContext(ctx, &payloads, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", kind, err)
	}
	out := make([]Record, 0, len(payloads))
	for _, p := range payloads {
		var rec Record
		if err := json.Unmarshal(p, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, s.table), before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned records: %w", err)
	}
	return n, nil
}

type statsRow struct {
	TotalUpdates    int64        `db:"total_updates"`
	TotalAggregated int64        `db:"total_aggregated"`
	FirstTS         sql.NullTime `db:"first_ts"`
	LastTS          sql.NullTime `db:"last_ts"`
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE kind = $1) AS total_updates,
			COUNT(*) FILTER (WHERE kind = $2) AS total_aggregated,
			MIN(ts) FILTER (WHERE kind = $1) AS first_ts,
			MAX(ts) FILTER (WHERE kind = $1) AS last_ts
		FROM %s`, s.table)

	var row statsRow
	if err := s.db.GetContext(ctx, &row, query, string(KindPriceUpdate), string(KindBucket)); err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	st := Stats{TotalUpdates: row.TotalUpdates, TotalAggregated: row.TotalAggregated}
	if row.FirstTS.Valid {
		st.FirstTimestamp = row.FirstTS.Time
	}
	if row.LastTS.Valid {
		st.LastTimestamp = row.LastTS.Time
	}
	return st, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
