package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

const (
	sqlSelectFollow      = `SELECT id, account_id, target_account_id, uri, approved_at, created_at FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlSelectFollowByURI = `SELECT id, account_id, target_account_id, uri, approved_at, created_at FROM follows WHERE uri = ?`
	sqlUpsertFollow      = `INSERT INTO follows(id, account_id, target_account_id, uri, approved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET
			uri = CASE WHEN excluded.uri = '' THEN follows.uri ELSE excluded.uri END,
			approved_at = COALESCE(follows.approved_at, excluded.approved_at)
		RETURNING id, account_id, target_account_id, uri, approved_at, created_at`
	sqlApproveFollow = `UPDATE follows SET approved_at = ? WHERE account_id = ? AND target_account_id = ? AND approved_at IS NULL`
	sqlDeleteFollow  = `DELETE FROM follows WHERE account_id = ? AND target_account_id = ?
		RETURNING id, account_id, target_account_id, uri, approved_at, created_at`
	sqlSelectFollowRequests = `SELECT f.id, f.account_id, f.target_account_id, f.uri, f.approved_at, f.created_at FROM follows f
		WHERE f.target_account_id = ? AND f.approved_at IS NULL ORDER BY f.created_at DESC`
	sqlSelectFollowerInboxes = `SELECT DISTINCT CASE WHEN a.shared_inbox_uri != '' THEN a.shared_inbox_uri ELSE a.inbox_uri END
		FROM follows f
		INNER JOIN accounts a ON a.id = f.account_id
		LEFT JOIN account_owners o ON o.account_id = a.id
		WHERE f.target_account_id = ? AND f.approved_at IS NOT NULL AND o.account_id IS NULL AND a.inbox_uri != ''`
	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND approved_at IS NOT NULL`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND approved_at IS NOT NULL`

	sqlBlockBetween = `SELECT EXISTS(SELECT 1 FROM blocks
		WHERE (account_id = ? AND target_account_id = ?) OR (account_id = ? AND target_account_id = ?))`
	sqlBlockExists      = `SELECT EXISTS(SELECT 1 FROM blocks WHERE account_id = ? AND target_account_id = ?)`
	sqlSelectBlockByURI = `SELECT id, account_id, target_account_id, uri, created_at FROM blocks WHERE uri = ?`
	sqlUpsertBlock      = `INSERT INTO blocks(id, account_id, target_account_id, uri, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET
			uri = CASE WHEN excluded.uri = '' THEN blocks.uri ELSE excluded.uri END
		RETURNING id, account_id, target_account_id, uri, created_at`
	sqlDeleteBlock = `DELETE FROM blocks WHERE account_id = ? AND target_account_id = ?
		RETURNING id, account_id, target_account_id, uri, created_at`

	sqlSelectMute = `SELECT account_id, target_account_id, notifications, duration_seconds, expires_at, created_at
		FROM mutes WHERE account_id = ? AND target_account_id = ?`
	sqlUpsertMute = `INSERT INTO mutes(account_id, target_account_id, notifications, duration_seconds, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, target_account_id) DO UPDATE SET
			notifications = excluded.notifications,
			duration_seconds = excluded.duration_seconds,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`
	sqlDeleteMute = `DELETE FROM mutes WHERE account_id = ? AND target_account_id = ?`

	// One pass over the three edge tables scoped to the viewer and the target set.
	sqlRelationshipEdges = `
		SELECT 'following', target_account_id, approved_at IS NOT NULL, 0 FROM follows
			WHERE account_id = ? AND target_account_id IN (%[1]s)
		UNION ALL
		SELECT 'followed_by', account_id, approved_at IS NOT NULL, 0 FROM follows
			WHERE target_account_id = ? AND account_id IN (%[1]s)
		UNION ALL
		SELECT 'blocking', target_account_id, 1, 0 FROM blocks
			WHERE account_id = ? AND target_account_id IN (%[1]s)
		UNION ALL
		SELECT 'blocked_by', account_id, 1, 0 FROM blocks
			WHERE target_account_id = ? AND account_id IN (%[1]s)
		UNION ALL
		SELECT 'muting', target_account_id, 1, notifications FROM mutes
			WHERE account_id = ? AND target_account_id IN (%[1]s) AND (expires_at IS NULL OR expires_at > ?)`
)

func (tx *Tx) BlockBetween(ctx context.Context, a, b uuid.UUID) (bool, error) {
	var exists bool
	err := tx.tx.QueryRowContext(ctx, sqlBlockBetween, a, b, b, a).Scan(&exists)
	return exists, err
}

func (tx *Tx) ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return readFollow(ctx, tx.tx, sqlSelectFollow, accountId, targetId)
}

// UpsertFollow stores a follow keyed by the ordered pair. An approved follow stays approved.
func (tx *Tx) UpsertFollow(ctx context.Context, f *domain.Follow) (*domain.Follow, error) {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	return readFollow(ctx, tx.tx, sqlUpsertFollow, f.Id, f.AccountId, f.TargetAccountId, f.URI,
		nullTime(f.ApprovedAt), now())
}

// ApproveFollow marks a pending follow approved. It reports whether a pending row existed.
func (tx *Tx) ApproveFollow(ctx context.Context, accountId, targetId uuid.UUID, at time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, sqlApproveFollow, utc(at), accountId, targetId)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteFollow removes the follow and returns it, or nil when there was none.
func (tx *Tx) DeleteFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return optional(readFollow(ctx, tx.tx, sqlDeleteFollow, accountId, targetId))
}

func (tx *Tx) BlockExists(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	var exists bool
	err := tx.tx.QueryRowContext(ctx, sqlBlockExists, accountId, targetId).Scan(&exists)
	return exists, err
}

func (tx *Tx) UpsertBlock(ctx context.Context, b *domain.Block) (*domain.Block, error) {
	if b.Id == uuid.Nil {
		b.Id = uuid.New()
	}
	return readBlock(ctx, tx.tx, sqlUpsertBlock, b.Id, b.AccountId, b.TargetAccountId, b.URI, now())
}

// DeleteBlock removes the block and returns it, or nil when there was none.
func (tx *Tx) DeleteBlock(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Block, error) {
	return optional(readBlock(ctx, tx.tx, sqlDeleteBlock, accountId, targetId))
}

// UpsertMute writes the mute, replacing flag, duration, expiry and creation time.
func (tx *Tx) UpsertMute(ctx context.Context, m *domain.Mute) error {
	var seconds sql.NullInt64
	if m.Duration != nil {
		seconds = sql.NullInt64{Int64: int64(m.Duration.Seconds()), Valid: true}
	}
	_, err := tx.tx.ExecContext(ctx, sqlUpsertMute, m.AccountId, m.TargetAccountId, m.Notifications,
		seconds, nullTime(m.ExpiresAt), utc(m.CreatedAt))
	return err
}

func (tx *Tx) DeleteMute(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, sqlDeleteMute, accountId, targetId)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) ReadFollow(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Follow, error) {
	return readFollow(ctx, db.db, sqlSelectFollow, accountId, targetId)
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return readFollow(ctx, db.db, sqlSelectFollowByURI, uri)
}

func (db *DB) ReadBlockByURI(ctx context.Context, uri string) (*domain.Block, error) {
	return readBlock(ctx, db.db, sqlSelectBlockByURI, uri)
}

func (db *DB) ReadMute(ctx context.Context, accountId, targetId uuid.UUID) (*domain.Mute, error) {
	var (
		m       domain.Mute
		seconds sql.NullInt64
		expires sqlTime
		created sqlTime
	)
	err := db.db.QueryRowContext(ctx, sqlSelectMute, accountId, targetId).
		Scan(&m.AccountId, &m.TargetAccountId, &m.Notifications, &seconds, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if seconds.Valid {
		d := time.Duration(seconds.Int64) * time.Second
		m.Duration = &d
	}
	m.CreatedAt = created.Time
	m.ExpiresAt = expires.Ptr()
	return &m, nil
}

// ReadFollowRequests lists pending follows targeting accountId, newest first.
func (db *DB) ReadFollowRequests(ctx context.Context, accountId uuid.UUID) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowRequests, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}

// ReadFollowerInboxes returns the distinct delivery inboxes of remote approved followers.
func (db *DB) ReadFollowerInboxes(ctx context.Context, accountId uuid.UUID) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerInboxes, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

func (db *DB) CountFollowers(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowers, accountId).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(ctx context.Context, accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountFollowing, accountId).Scan(&n)
	return n, err
}

// BlockExists reports whether accountId blocks targetId.
func (db *DB) BlockExists(ctx context.Context, accountId, targetId uuid.UUID) (bool, error) {
	var exists bool
	err := db.db.QueryRowContext(ctx, sqlBlockExists, accountId, targetId).Scan(&exists)
	return exists, err
}

// RelationshipEdges reads every follow, block and active mute edge between viewer and
// the targets in a single query, folded into one summary per distinct target.
func (db *DB) RelationshipEdges(ctx context.Context, viewer uuid.UUID, targets []uuid.UUID, at time.Time) (map[uuid.UUID]*domain.Relationship, error) {
	out := make(map[uuid.UUID]*domain.Relationship, len(targets))
	if len(targets) == 0 {
		return out, nil
	}

	in := placeholders(len(targets))
	query := fmt.Sprintf(sqlRelationshipEdges, in)

	ids := uuidArgs(targets)
	args := make([]any, 0, 5*(len(ids)+1)+1)
	for i := 0; i < 5; i++ {
		args = append(args, viewer)
		args = append(args, ids...)
	}
	args = append(args, utc(at))

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read relationship edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind   string
			target uuid.UUID
			flag   bool
			extra  bool
		)
		if err := rows.Scan(&kind, &target, &flag, &extra); err != nil {
			return nil, err
		}
		rel, ok := out[target]
		if !ok {
			rel = &domain.Relationship{Id: target}
			out[target] = rel
		}
		switch kind {
		case "following":
			rel.Following = flag
			rel.Requested = !flag
			rel.ShowingReblogs = flag
		case "followed_by":
			rel.FollowedBy = flag
		case "blocking":
			rel.Blocking = true
		case "blocked_by":
			rel.BlockedBy = true
		case "muting":
			rel.Muting = true
			rel.MutingNotifications = extra
		}
	}
	return out, rows.Err()
}

func readFollow(ctx context.Context, q querier, query string, args ...any) (*domain.Follow, error) {
	f, err := scanFollow(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var (
		f        domain.Follow
		approved sqlTime
		created  sqlTime
	)
	if err := row.Scan(&f.Id, &f.AccountId, &f.TargetAccountId, &f.URI, &approved, &created); err != nil {
		return nil, err
	}
	f.ApprovedAt = approved.Ptr()
	f.CreatedAt = created.Time
	return &f, nil
}

func readBlock(ctx context.Context, q querier, query string, args ...any) (*domain.Block, error) {
	var (
		b       domain.Block
		created sqlTime
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(&b.Id, &b.AccountId, &b.TargetAccountId, &b.URI, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = created.Time
	return &b, nil
}

// optional turns ErrNotFound into a nil result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return v, err
}
