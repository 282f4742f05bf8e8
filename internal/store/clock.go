package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// VectorClockCounter returns the highest counter seen so far for
// authorDeviceID, or ok=false if nothing has been recorded yet.
func (db *DB) VectorClockCounter(ctx context.Context, authorDeviceID string) (uint64, bool, error) {
	var counter int64
	err := db.sql.QueryRowContext(ctx, `
		SELECT counter FROM device_vector_clock WHERE device_id = ?
	`, authorDeviceID).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: vector clock counter for %s: %w", authorDeviceID, err)
	}
	return uint64(counter), true, nil
}

// AdvanceVectorClock records counter for authorDeviceID if it is
// greater than what's already stored — the clock only ever moves
// forward (spec.md §8 "vector clock monotonicity").
func (db *DB) AdvanceVectorClock(ctx context.Context, authorDeviceID string, counter uint64) error {
	current, ok, err := db.VectorClockCounter(ctx, authorDeviceID)
	if err != nil {
		return err
	}
	if ok && counter <= current {
		return nil
	}
	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO device_vector_clock (device_id, counter) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET counter = excluded.counter
	`, authorDeviceID, int64(counter))
	if err != nil {
		return fmt.Errorf("store: advance vector clock for %s: %w", authorDeviceID, err)
	}
	return nil
}

// VectorClock returns the full device_id → counter map, the shape
// sent to the relay's pull endpoint.
func (db *DB) VectorClock(ctx context.Context) (map[string]uint64, error) {
	rows, err := db.sql.QueryContext(ctx, `SELECT device_id, counter FROM device_vector_clock`)
	if err != nil {
		return nil, fmt.Errorf("store: read vector clock: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var deviceID string
		var counter int64
		if err := rows.Scan(&deviceID, &counter); err != nil {
			return nil, fmt.Errorf("store: scan vector clock row: %w", err)
		}
		out[deviceID] = uint64(counter)
	}
	return out, rows.Err()
}
