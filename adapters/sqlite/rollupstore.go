package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// RollupStore implements ports.RollupStore using SQLite.
//
// Upserts merge additively into existing rows. SQLite serializes writers,
// so the read-merge-write inside one transaction is atomic and the merge
// stays correct under concurrent aggregator invocations.
type RollupStore struct {
	db *DB
}

// NewRollupStore creates a new SQLite rollup store.
func NewRollupStore(db *DB) *RollupStore {
	return &RollupStore{db: db}
}

// PutBatch upserts a pre-chunked set of aggregates in one transaction.
// The chunk fails as a whole so the caller can fall back to per-item
// writes.
func (s *RollupStore) PutBatch(ctx context.Context, aggs []*usage.HourlyAggregate, expiresAt time.Time) error {
	if len(aggs) == 0 {
		return nil
	}
	if len(aggs) > ports.MaxBatchItems {
		return fmt.Errorf("rollup batch of %d exceeds %d items", len(aggs), ports.MaxBatchItems)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup batch: %w", err)
	}
	defer tx.Rollback()

	for _, agg := range aggs {
		if err := upsertTx(ctx, tx, agg, expiresAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup batch: %w", err)
	}
	return nil
}

// Put upserts a single aggregate.
func (s *RollupStore) Put(ctx context.Context, agg *usage.HourlyAggregate, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup put: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTx(ctx, tx, agg, expiresAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup put: %w", err)
	}
	return nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, agg *usage.HourlyAggregate, expiresAt time.Time) error {
	merged := usage.NewHourlyAggregate(usage.HourKey{CustomerID: agg.CustomerID, DateHour: agg.DateHour})

	row := tx.QueryRowContext(ctx, `
		SELECT requests, errors, total_response_time_ms, api_keys, endpoints
		FROM hourly_rollups
		WHERE customer_id = ? AND date_hour = ?
	`, agg.CustomerID, agg.DateHour)

	var keysJSON, endpointsJSON string
	err := row.Scan(&merged.Requests, &merged.Errors, &merged.TotalResponseTimeMs, &keysJSON, &endpointsJSON)
	switch {
	case err == sql.ErrNoRows:
		// First write for this key.
	case err != nil:
		return fmt.Errorf("read rollup %s/%s: %w", agg.CustomerID, agg.DateHour, err)
	default:
		if merged.APIKeys, err = decodeKeySet(keysJSON); err != nil {
			return fmt.Errorf("decode rollup %s/%s api keys: %w", agg.CustomerID, agg.DateHour, err)
		}
		if err = json.Unmarshal([]byte(endpointsJSON), &merged.Endpoints); err != nil {
			return fmt.Errorf("decode rollup %s/%s endpoints: %w", agg.CustomerID, agg.DateHour, err)
		}
		if merged.Endpoints == nil {
			merged.Endpoints = make(map[string]int64)
		}
	}

	merged.Merge(agg)

	keysOut, err := encodeKeySet(merged.APIKeys)
	if err != nil {
		return fmt.Errorf("encode rollup api keys: %w", err)
	}
	endpointsOut, err := json.Marshal(merged.Endpoints)
	if err != nil {
		return fmt.Errorf("encode rollup endpoints: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO hourly_rollups (
			customer_id, date_hour, requests, errors, total_response_time_ms,
			api_keys, endpoints, expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(customer_id, date_hour) DO UPDATE SET
			requests = excluded.requests,
			errors = excluded.errors,
			total_response_time_ms = excluded.total_response_time_ms,
			api_keys = excluded.api_keys,
			endpoints = excluded.endpoints,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, merged.CustomerID, merged.DateHour, merged.Requests, merged.Errors,
		merged.TotalResponseTimeMs, string(keysOut), string(endpointsOut), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("write rollup %s/%s: %w", merged.CustomerID, merged.DateHour, err)
	}
	return nil
}

// WasProcessed reports whether a batch id has been recorded.
func (s *RollupStore) WasProcessed(ctx context.Context, batchID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_batches WHERE batch_id = ?
	`, batchID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check batch %s: %w", batchID, err)
	}
	return true, nil
}

// MarkProcessed records a batch id, returning true if it was already
// recorded.
func (s *RollupStore) MarkProcessed(ctx context.Context, batchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_batches (batch_id) VALUES (?)
		ON CONFLICT(batch_id) DO NOTHING
	`, batchID)
	if err != nil {
		return false, fmt.Errorf("mark batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark batch %s: %w", batchID, err)
	}
	return n == 0, nil
}

// QueryMonth returns all hourly rollups for a customer in one month.
func (s *RollupStore) QueryMonth(ctx context.Context, customerID, month string) ([]*usage.HourlyAggregate, error) {
	return s.queryPrefix(ctx, customerID, month)
}

// QueryDay returns all hourly rollups for a customer on one date.
func (s *RollupStore) QueryDay(ctx context.Context, customerID, date string) ([]*usage.HourlyAggregate, error) {
	return s.queryPrefix(ctx, customerID, date)
}

func (s *RollupStore) queryPrefix(ctx context.Context, customerID, prefix string) ([]*usage.HourlyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, date_hour, requests, errors, total_response_time_ms, api_keys, endpoints
		FROM hourly_rollups
		WHERE customer_id = ? AND date_hour LIKE ? || '%'
		ORDER BY date_hour
	`, customerID, prefix)
	if err != nil {
		return nil, fmt.Errorf("query rollups %s/%s: %w", customerID, prefix, err)
	}
	defer rows.Close()

	var out []*usage.HourlyAggregate
	for rows.Next() {
		agg := &usage.HourlyAggregate{}
		var keysJSON, endpointsJSON string
		err := rows.Scan(&agg.CustomerID, &agg.DateHour, &agg.Requests, &agg.Errors,
			&agg.TotalResponseTimeMs, &keysJSON, &endpointsJSON)
		if err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		if agg.APIKeys, err = decodeKeySet(keysJSON); err != nil {
			return nil, fmt.Errorf("decode rollup api keys: %w", err)
		}
		if err = json.Unmarshal([]byte(endpointsJSON), &agg.Endpoints); err != nil {
			return nil, fmt.Errorf("decode rollup endpoints: %w", err)
		}
		if agg.Endpoints == nil {
			agg.Endpoints = make(map[string]int64)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// Cleanup removes expired rollups and batch markers.
func (s *RollupStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, `DELETE FROM hourly_rollups WHERE expires_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup rollups: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM processed_batches WHERE expires_at < ?`, olderThan.UTC())
	if err != nil {
		return total, fmt.Errorf("cleanup batch markers: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

func encodeKeySet(set map[string]struct{}) ([]byte, error) {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(keys)
}

func decodeKeySet(data string) (map[string]struct{}, error) {
	var keys []string
	if err := json.Unmarshal([]byte(data), &keys); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

var _ ports.RollupStore = (*RollupStore)(nil)
