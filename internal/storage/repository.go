package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"balance-swing-alerts/internal/series"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPersistenceFailed marks a snapshot flush that did not complete. The
	// next cycle flushes again.
	ErrPersistenceFailed = errors.New("persistence failed")
)

//go:embed schema.sql
var schemaSQL string

const (
	upsertObservationSQL = `INSERT INTO balance_observations (
        pair_key,
        observed_at,
        balance,
        valid
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (pair_key, observed_at) DO UPDATE
    SET
        balance = EXCLUDED.balance,
        valid   = EXCLUDED.valid;`

	latestObservationSQL = `SELECT max(observed_at) FROM balance_observations;`

	listObservationsBetweenSQL = `SELECT
        pair_key,
        observed_at,
        balance::text,
        valid,
        created_at
    FROM balance_observations
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at, pair_key;`

	insertAlertSQL = `INSERT INTO balance_alerts (
        pair_key,
        observed_at,
        previous_balance,
        current_balance,
        change_fraction,
        threshold,
        direction,
        channel,
        delivered
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        pair_key,
        observed_at,
        previous_balance::text,
        current_balance::text,
        change_fraction::text,
        threshold::text,
        direction,
        channel,
        delivered,
        created_at
    FROM balance_alerts
    ORDER BY created_at DESC
    LIMIT $1;`
)

// SnapshotWriter persists a frozen view of the series store.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, snap series.Snapshot) error
}

// AlertStore records emitted alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
}

// Store mirrors observations and alerts into PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	watermark time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WriteSnapshot upserts the rows newer than the last successful write. A
// failed write leaves the watermark in place so the rows are retried.
func (s *Store) WriteSnapshot(ctx context.Context, snap series.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &pgx.Batch{}
	latest := queueRowsAfter(batch, snap, s.watermark)
	if batch.Len() == 0 {
		return nil
	}

	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: upsert observations: %v", ErrPersistenceFailed, err)
	}
	s.watermark = latest
	return nil
}

// SeedWatermark starts incremental writes after the newest stored
// observation, so rows already mirrored by an earlier run are not sent again.
func (s *Store) SeedWatermark(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var latest *time.Time
	if err := pool.QueryRow(ctx, latestObservationSQL).Scan(&latest); err != nil {
		return fmt.Errorf("read latest observation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if latest != nil && latest.After(s.watermark) {
		s.watermark = *latest
	}
	return nil
}

// queueRowsAfter queues an upsert for every cell of rows newer than after and
// returns the newest queued timestamp, or after when nothing was queued.
func queueRowsAfter(batch *pgx.Batch, snap series.Snapshot, after time.Time) time.Time {
	latest := after
	for row := range snap.Rows {
		if !row.Timestamp.After(after) {
			continue
		}
		for _, key := range snap.Columns {
			cell, ok := row.Cells[key]
			if !ok {
				continue
			}
			var balance any
			if cell.Valid {
				balance = decimal.NewFromFloat(cell.Balance).String()
			}
			batch.Queue(upsertObservationSQL, key, row.Timestamp, balance, cell.Valid)
		}
		latest = row.Timestamp
	}
	return latest
}

// ListObservationsBetween lists observations within [from, to).
func (s *Store) ListObservationsBetween(ctx context.Context, from, to time.Time) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0)
	for rows.Next() {
		var (
			rec        ObservationRecord
			balanceStr sql.NullString
		)
		if err := rows.Scan(&rec.PairKey, &rec.ObservedAt, &balanceStr, &rec.Valid, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if balanceStr.Valid {
			d, err := decimal.NewFromString(balanceStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse balance: %w", err)
			}
			rec.Balance = decimal.NewNullDecimal(d)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// LoadSeries rebuilds a series store from observations within [from, to).
func (s *Store) LoadSeries(ctx context.Context, keys []string, from, to time.Time) (*series.Store, error) {
	records, err := s.ListObservationsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	store := series.NewStore(keys...)
	for _, rec := range records {
		obs := series.Observation{Timestamp: rec.ObservedAt, Valid: rec.Valid && rec.Balance.Valid}
		if obs.Valid {
			obs.Balance = rec.Balance.Decimal.InexactFloat64()
		}
		store.Append(rec.PairKey, obs)
	}
	return store, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.PairKey,
		alert.ObservedAt,
		alert.PreviousBalance.String(),
		alert.CurrentBalance.String(),
		alert.ChangeFraction.String(),
		alert.Threshold.String(),
		alert.Direction,
		alert.Channel,
		alert.Delivered,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                                    AlertRecord
			prevStr, currStr, changeStr, threshStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.PairKey,
			&rec.ObservedAt,
			&prevStr,
			&currStr,
			&changeStr,
			&threshStr,
			&rec.Direction,
			&rec.Channel,
			&rec.Delivered,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&rec.PreviousBalance, prevStr},
			{&rec.CurrentBalance, currStr},
			{&rec.ChangeFraction, changeStr},
			{&rec.Threshold, threshStr},
		} {
			d, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("parse alert numeric: %w", err)
			}
			*f.dst = d
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

var (
	_ SnapshotWriter = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
)
