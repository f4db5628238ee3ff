package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	sqlInsertPost = `INSERT INTO posts(id, account_id, iri, url, content, visibility, reply_target_id, in_reply_to_iri,
		sharing_id, sensitive, content_warning, language, published, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(iri) DO NOTHING`
	sqlInsertMention    = `INSERT OR IGNORE INTO mentions(post_id, account_id) VALUES (?, ?)`
	sqlInsertTag        = `INSERT OR IGNORE INTO post_tags(post_id, name) VALUES (?, ?)`
	sqlInsertAttachment = `INSERT INTO attachments(id, post_id, url, media_type) VALUES (?, ?, ?, ?)`
	sqlInsertPin        = `INSERT OR IGNORE INTO pins(account_id, post_id, created_at) VALUES (?, ?, ?)`
	sqlDeletePin        = `DELETE FROM pins WHERE account_id = ? AND post_id = ?`
	sqlDeletePostByIRI  = `DELETE FROM posts WHERE iri = ? AND account_id = ?`
)

type postModel struct {
	bun.BaseModel `bun:"table:posts,alias:p"`

	Id             uuid.UUID     `bun:"id,pk"`
	AccountId      uuid.UUID     `bun:"account_id"`
	IRI            string        `bun:"iri"`
	URL            string        `bun:"url"`
	Content        string        `bun:"content"`
	Visibility     string        `bun:"visibility"`
	ReplyTargetId  uuid.NullUUID `bun:"reply_target_id"`
	InReplyToIRI   string        `bun:"in_reply_to_iri"`
	SharingId      uuid.NullUUID `bun:"sharing_id"`
	Sensitive      bool          `bun:"sensitive"`
	ContentWarning string        `bun:"content_warning"`
	Language       string        `bun:"language"`
	Published      sqlTime       `bun:"published"`
	CreatedAt      sqlTime       `bun:"created_at"`
}

type attachmentModel struct {
	PostId    uuid.UUID `bun:"post_id"`
	URL       string    `bun:"url"`
	MediaType string    `bun:"media_type"`
}

type postEdgeModel struct {
	PostId uuid.UUID `bun:"post_id"`
	Value  string    `bun:"value"`
}

func (m *postModel) toDomain() domain.Post {
	p := domain.Post{
		Id:             m.Id,
		AccountId:      m.AccountId,
		IRI:            m.IRI,
		URL:            m.URL,
		Content:        m.Content,
		Visibility:     domain.Visibility(m.Visibility),
		InReplyToIRI:   m.InReplyToIRI,
		Sensitive:      m.Sensitive,
		ContentWarning: m.ContentWarning,
		Language:       m.Language,
		Published:      m.Published.Time,
		CreatedAt:      m.CreatedAt.Time,
	}
	if m.ReplyTargetId.Valid {
		p.ReplyTargetId = &m.ReplyTargetId.UUID
	}
	if m.SharingId.Valid {
		p.SharingId = &m.SharingId.UUID
	}
	return p
}

// CreatePost stores a post with its mentions, tags and attachments. Posts are unique by
// IRI; storing a known IRI again is a no-op that reports created=false.
func (db *DB) CreatePost(ctx context.Context, post *domain.Post) (bool, error) {
	post.Published = domain.PostTime(post.Published)
	if post.Id == uuid.Nil {
		post.Id = domain.NewPostID(post.Published)
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now()
	}

	created := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertPost, post.Id, post.AccountId, post.IRI, post.URL, post.Content,
			string(post.Visibility), nullUUID(post.ReplyTargetId), post.InReplyToIRI, nullUUID(post.SharingId),
			post.Sensitive, post.ContentWarning, post.Language, post.Published, utc(post.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		created = true

		for _, accountId := range post.Mentions {
			if _, err := tx.ExecContext(ctx, sqlInsertMention, post.Id, accountId); err != nil {
				return fmt.Errorf("insert mention: %w", err)
			}
		}
		for _, tag := range post.Tags {
			if _, err := tx.ExecContext(ctx, sqlInsertTag, post.Id, tag); err != nil {
				return fmt.Errorf("insert tag: %w", err)
			}
		}
		for _, att := range post.Attachments {
			if _, err := tx.ExecContext(ctx, sqlInsertAttachment, uuid.New(), post.Id, att.URL, att.MediaType); err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}
		return nil
	})
	return created, err
}

func (db *DB) ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	return db.readPost(ctx, "p.id = ?", id)
}

func (db *DB) ReadPostByIRI(ctx context.Context, iri string) (*domain.Post, error) {
	return db.readPost(ctx, "p.iri = ?", iri)
}

func (db *DB) readPost(ctx context.Context, where string, arg any) (*domain.Post, error) {
	var m postModel
	err := db.bun.NewSelect().Model(&m).Where(where, arg).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	posts := []domain.Post{m.toDomain()}
	if err := db.loadPostEdges(ctx, posts); err != nil {
		return nil, err
	}
	return &posts[0], nil
}

// CountPostsByAccount counts the locally known posts authored by accountId.
func (db *DB) CountPostsByAccount(ctx context.Context, accountId uuid.UUID) (int, error) {
	return db.bun.NewSelect().Model((*postModel)(nil)).Where("p.account_id = ?", accountId).Count(ctx)
}

// Order is the direction of a post listing.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

func (o Order) expr() string {
	if o == OldestFirst {
		return "p.published ASC, p.id ASC"
	}
	return "p.published DESC, p.id DESC"
}

// ListPosts runs a post listing over "posts AS p" narrowed by apply.
func (db *DB) ListPosts(ctx context.Context, apply func(*bun.SelectQuery) *bun.SelectQuery, order Order, limit int) ([]domain.Post, error) {
	var rows []postModel
	q := apply(db.bun.NewSelect().Model(&rows)).
		OrderExpr(order.expr()).
		Limit(limit)
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	posts := make([]domain.Post, len(rows))
	for i := range rows {
		posts[i] = rows[i].toDomain()
	}
	if err := db.loadPostEdges(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// loadPostEdges fills mentions, tags and attachments with one query per relation.
func (db *DB) loadPostEdges(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(posts))
	index := make(map[uuid.UUID]int, len(posts))
	for i, p := range posts {
		ids[i] = p.Id
		index[p.Id] = i
	}

	var atts []attachmentModel
	err := db.bun.NewSelect().Table("attachments").Column("post_id", "url", "media_type").
		Where("post_id IN (?)", bun.In(ids)).OrderExpr("rowid").Scan(ctx, &atts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load attachments: %w", err)
	}
	for _, a := range atts {
		p := &posts[index[a.PostId]]
		p.Attachments = append(p.Attachments, domain.Attachment{URL: a.URL, MediaType: a.MediaType})
	}

	var tags []postEdgeModel
	err = db.bun.NewSelect().Table("post_tags").ColumnExpr("post_id, name AS value").
		Where("post_id IN (?)", bun.In(ids)).OrderExpr("name").Scan(ctx, &tags)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load tags: %w", err)
	}
	for _, t := range tags {
		p := &posts[index[t.PostId]]
		p.Tags = append(p.Tags, t.Value)
	}

	var mentions []postEdgeModel
	err = db.bun.NewSelect().Table("mentions").ColumnExpr("post_id, account_id AS value").
		Where("post_id IN (?)", bun.In(ids)).Scan(ctx, &mentions)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load mentions: %w", err)
	}
	for _, m := range mentions {
		accountId, err := uuid.Parse(m.Value)
		if err != nil {
			continue
		}
		p := &posts[index[m.PostId]]
		p.Mentions = append(p.Mentions, accountId)
	}
	return nil
}

// DeletePostByIRI removes a post of accountId, reporting whether one existed. Shares
// of it go with it.
func (db *DB) DeletePostByIRI(ctx context.Context, iri string, accountId uuid.UUID) (bool, error) {
	deleted := false
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeletePostByIRI, iri, accountId)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	return deleted, err
}

func (db *DB) PinPost(ctx context.Context, accountId, postId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertPin, accountId, postId, now())
		return err
	})
}

func (db *DB) UnpinPost(ctx context.Context, accountId, postId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeletePin, accountId, postId)
		return err
	})
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
