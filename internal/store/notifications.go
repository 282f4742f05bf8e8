package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Notification is a locally-generated notice surfaced to the host
// application (spec.md supplemented feature: notifications sub-store —
// original_source's bolik_sdk keeps a local_notifications table
// separate from synced state).
type Notification struct {
	ID        string
	Body      []byte
	CreatedAt time.Time
	ReadAt    *time.Time
}

// PutNotification inserts a new notification.
func (db *DB) PutNotification(ctx context.Context, n Notification) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO local_notifications (id, body, created_at, read_at) VALUES (?, ?, ?, ?)
	`, n.ID, n.Body, n.CreatedAt.UTC().Format(time.RFC3339), nullableTime(n.ReadAt))
	if err != nil {
		return fmt.Errorf("store: put notification %s: %w", n.ID, err)
	}
	return nil
}

// UnreadNotifications returns every notification without a read_at,
// oldest first.
func (db *DB) UnreadNotifications(ctx context.Context) ([]Notification, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, body, created_at, read_at FROM local_notifications WHERE read_at IS NULL ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: unread notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &n.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("store: scan notification row: %w", err)
		}
		if n.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("store: parse notification created_at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead stamps a notification as read at at.
func (db *DB) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	_, err := db.sql.ExecContext(ctx, `UPDATE local_notifications SET read_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: mark notification %s read: %w", id, err)
	}
	return nil
}
