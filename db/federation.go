package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

// Activity log queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at
		FROM activities WHERE activity_uri = ?`
	sqlMarkActivityProcessed = `UPDATE activities SET processed = 1 WHERE id = ?`
)

// Delivery Queue queries
const (
	sqlInsertDeliveryQueue = `INSERT INTO delivery_queue(id, sender_id, inbox_uri, activity_json, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, sender_id, inbox_uri, activity_json, attempts, next_retry_at, created_at
		FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) CreateActivity(ctx context.Context, activity *domain.Activity) error {
	if activity.Id == uuid.Nil {
		activity.Id = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertActivity,
			activity.Id,
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			utc(activity.CreatedAt),
		)
		return err
	})
}

func (db *DB) MarkActivityProcessed(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkActivityProcessed, id)
		return err
	})
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var (
		activity domain.Activity
		created  sqlTime
	)
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(
		&activity.Id,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	activity.CreatedAt = created.Time
	return &activity, nil
}

func (db *DB) EnqueueDelivery(ctx context.Context, item *domain.DeliveryQueueItem) error {
	if item.Id == uuid.Nil {
		item.Id = uuid.New()
	}
	ts := now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = ts
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = ts
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertDeliveryQueue,
			item.Id,
			item.SenderId,
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			utc(item.NextRetryAt),
			utc(item.CreatedAt),
		)
		return err
	})
}

// ReadPendingDeliveries returns items whose retry time has passed, oldest first.
func (db *DB) ReadPendingDeliveries(ctx context.Context, at time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDeliveries, utc(at), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var (
			item      domain.DeliveryQueueItem
			nextRetry sqlTime
			created   sqlTime
		)
		if err := rows.Scan(&item.Id, &item.SenderId, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &nextRetry, &created); err != nil {
			return nil, err
		}
		item.NextRetryAt = nextRetry.Time
		item.CreatedAt = created.Time
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, utc(nextRetry), id)
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id)
		return err
	})
}
