package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertDispatchSQL = `INSERT INTO dispatch_records (
        fingerprint,
        channel_id,
        sent_at
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (fingerprint, channel_id) DO UPDATE
    SET sent_at = EXCLUDED.sent_at;`

	lastDispatchSQL = `SELECT sent_at
    FROM dispatch_records
    WHERE fingerprint = $1
      AND channel_id = $2;`

	deleteDispatchBeforeSQL = `DELETE FROM dispatch_records WHERE sent_at < $1;`

	insertAlertSQL = `INSERT INTO alert_log (
        fingerprint,
        source_site,
        filter_id,
        sport,
        event,
        market,
        profit_pct,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        fingerprint,
        source_site,
        filter_id,
        sport,
        event,
        market,
        profit_pct,
        channels,
        created_at
    FROM alert_log
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id,
        fingerprint,
        source_site,
        filter_id,
        sport,
        event,
        market,
        profit_pct,
        channels,
        created_at
    FROM alert_log
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_log WHERE created_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alert_log;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DispatchStore defines the persisted dedup operations.
type DispatchStore interface {
	LastDispatch(ctx context.Context, fingerprint, channelID string) (time.Time, bool, error)
	RecordDispatch(ctx context.Context, rec DispatchRecord) error
	DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) error
}

// AlertLogStore defines operations for alert auditing.
type AlertLogStore interface {
	InsertAlert(ctx context.Context, rec AlertLogRecord) (AlertLogRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertLogRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertLogRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to dispatch records and the alert log.
type Store struct {
	pool *pgxpool.Pool
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// Used to guard against two orchestrator instances driving the same channels.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LastDispatch returns when the fingerprint was last sent to the channel.
func (s *Store) LastDispatch(ctx context.Context, fingerprint, channelID string) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var sentAt time.Time
	scanErr := pool.QueryRow(ctx, lastDispatchSQL, fingerprint, channelID).Scan(&sentAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last dispatch: %w", scanErr)
	}
	return sentAt, true, nil
}

// RecordDispatch persists one delivered (fingerprint, channel) pair.
func (s *Store) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertDispatchSQL, rec.Fingerprint, rec.ChannelID, rec.SentAt); execErr != nil {
		return fmt.Errorf("record dispatch: %w", execErr)
	}
	return nil
}

// DeleteDispatchesBefore prunes dedup rows older than the retention bound.
func (s *Store) DeleteDispatchesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDispatchBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete dispatches before: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, rec AlertLogRecord) (AlertLogRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertLogRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		rec.Fingerprint,
		rec.SourceSite,
		rec.FilterID,
		rec.Sport,
		rec.Event,
		rec.Market,
		rec.ProfitPct.String(),
		rec.Channels,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertLogRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertLogRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return scanAlertLog(rows, limit)
}

// ListAlertsBetween lists alerts within a time window ordered by time.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertLogRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return scanAlertLog(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

func scanAlertLog(rows pgx.Rows, sizeHint int) ([]AlertLogRecord, error) {
	alerts := make([]AlertLogRecord, 0, sizeHint)
	for rows.Next() {
		var rec AlertLogRecord
		var profitStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Fingerprint,
			&rec.SourceSite,
			&rec.FilterID,
			&rec.Sport,
			&rec.Event,
			&rec.Market,
			&profitStr,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.ProfitPct, convErr = decimal.NewFromString(profitStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse profit pct: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}
