// Package visibility decides which posts of an account a viewer may see and pages
// through them newest first.
package visibility

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/telemetry"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultLimit = 20
	MaxLimit     = 40
)

type Options struct {
	OnlyMedia      bool
	ExcludeReplies bool
	Pinned         bool
	Tagged         string
	MaxID          *uuid.UUID
	MinID          *uuid.UUID
	Limit          int
}

// Backfiller fetches recent posts of sparsely known remote accounts.
type Backfiller interface {
	NeedsBackfill(ctx context.Context, acc *domain.Account) bool
	BackfillAsync(acc, viewer *domain.Account) <-chan struct{}
}

type Filter struct {
	db         *db.DB
	backfiller Backfiller
	wait       time.Duration
	tracer     trace.Tracer
	now        func() time.Time
}

// NewFilter returns a filter over store. Listings of remote accounts wait up to wait
// for a backfill started by backfiller; a nil backfiller disables it.
func NewFilter(store *db.DB, backfiller Backfiller, wait time.Duration) *Filter {
	return &Filter{
		db:         store,
		backfiller: backfiller,
		wait:       wait,
		tracer:     telemetry.Tracer("visibility"),
		now:        time.Now,
	}
}

type clause struct {
	query string
	args  []interface{}
}

// Predicate is a conjunction of conditions over "posts AS p".
type Predicate struct {
	empty   bool
	clauses []clause
}

// Empty reports that no post can match, so the query need not run.
func (p *Predicate) Empty() bool {
	return p.empty
}

func (p *Predicate) and(query string, args ...interface{}) {
	p.clauses = append(p.clauses, clause{query: query, args: args})
}

func (p *Predicate) Apply(q *bun.SelectQuery) *bun.SelectQuery {
	for _, c := range p.clauses {
		q = q.Where(c.query, c.args...)
	}
	return q
}

const (
	sqlApprovedFollow = `EXISTS (SELECT 1 FROM follows f
		WHERE f.account_id = ? AND f.target_account_id = p.account_id AND f.approved_at IS NOT NULL)`
	sqlMentioned = `EXISTS (SELECT 1 FROM mentions m WHERE m.post_id = p.id AND m.account_id = ?)`

	sqlMutedBy = `SELECT mu.target_account_id FROM mutes mu
		WHERE mu.account_id = ? AND (mu.expires_at IS NULL OR mu.expires_at > ?)`
	sqlBlockedBy = `SELECT b.target_account_id FROM blocks b WHERE b.account_id = ?`
	sqlBlockersOf = `SELECT b.account_id FROM blocks b WHERE b.target_account_id = ?`
)

// BuildPredicate returns the posts of targetId that viewer may see. A nil viewer is
// anonymous and sees public and unlisted posts only.
func (f *Filter) BuildPredicate(ctx context.Context, viewer *domain.Account, targetId uuid.UUID, opts Options) (*Predicate, error) {
	p := &Predicate{}

	if viewer != nil {
		blocked, err := f.db.BlockExists(ctx, targetId, viewer.Id)
		if err != nil {
			return nil, err
		}
		if blocked {
			return &Predicate{empty: true}, nil
		}
	}

	p.and("p.account_id = ?", targetId)

	public := []string{string(domain.VisibilityPublic), string(domain.VisibilityUnlisted)}
	if viewer == nil {
		p.and("p.visibility IN (?)", bun.In(public))
	} else {
		p.and("p.visibility IN (?) OR p.account_id = ? OR (p.visibility = ? AND "+sqlApprovedFollow+") OR (p.visibility = ? AND "+sqlMentioned+")",
			bun.In(public), viewer.Id,
			string(domain.VisibilityPrivate), viewer.Id,
			string(domain.VisibilityDirect), viewer.Id)

		at := f.now().UTC().Truncate(time.Microsecond)
		p.and("p.account_id NOT IN ("+sqlMutedBy+")", viewer.Id, at)
		p.and("p.account_id NOT IN ("+sqlBlockedBy+")", viewer.Id)
		p.and("p.account_id NOT IN ("+sqlBlockersOf+")", viewer.Id)
		// shares count as their original author
		p.and("p.sharing_id IS NULL OR NOT EXISTS (SELECT 1 FROM posts o WHERE o.id = p.sharing_id AND ("+
			"o.account_id IN ("+sqlMutedBy+") OR o.account_id IN ("+sqlBlockedBy+") OR o.account_id IN ("+sqlBlockersOf+")))",
			viewer.Id, at, viewer.Id, viewer.Id)
	}

	if opts.OnlyMedia {
		p.and("EXISTS (SELECT 1 FROM attachments a WHERE a.post_id = p.id)")
	}
	if opts.ExcludeReplies {
		p.and("p.reply_target_id IS NULL AND p.in_reply_to_iri = ''")
	}
	if opts.Pinned {
		p.and("EXISTS (SELECT 1 FROM pins pn WHERE pn.post_id = p.id AND pn.account_id = ?)", targetId)
	}
	if tag := strings.TrimPrefix(strings.TrimSpace(opts.Tagged), "#"); tag != "" {
		p.and("EXISTS (SELECT 1 FROM post_tags t WHERE t.post_id = p.id AND t.name = ?)", strings.ToLower(tag))
	}
	if opts.MaxID != nil {
		p.and("p.id < ?", *opts.MaxID)
	}
	if opts.MinID != nil {
		p.and("p.id > ?", *opts.MinID)
	}
	return p, nil
}

// Page is one slice of a listing. NextMaxID is set when older posts remain.
type Page struct {
	Posts     []domain.Post
	NextMaxID *uuid.UUID
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// ListAccountPosts returns the page of target's posts visible to viewer.
func (f *Filter) ListAccountPosts(ctx context.Context, viewer, target *domain.Account, opts Options) (*Page, error) {
	ctx, span := f.tracer.Start(ctx, "visibility.ListAccountPosts", trace.WithAttributes(
		attribute.String("target", target.Handle()),
		attribute.Bool("anonymous", viewer == nil),
	))
	defer span.End()

	limit := clampLimit(opts.Limit)
	f.awaitBackfill(ctx, viewer, target)

	pred, err := f.BuildPredicate(ctx, viewer, target.Id, opts)
	if err != nil {
		return nil, err
	}
	if pred.Empty() {
		return &Page{}, nil
	}

	// min_id alone pages towards newer posts, starting right above the cursor.
	order := db.NewestFirst
	if opts.MinID != nil && opts.MaxID == nil {
		order = db.OldestFirst
	}
	posts, err := f.db.ListPosts(ctx, pred.Apply, order, limit+1)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	page := &Page{Posts: posts}
	more := len(posts) > limit
	if more {
		page.Posts = posts[:limit]
	}
	if order == db.OldestFirst {
		slices.Reverse(page.Posts)
		// the cursor post and everything before it are older
		more = len(page.Posts) > 0
	}
	if more {
		next := page.Posts[len(page.Posts)-1].Id
		page.NextMaxID = &next
	}
	return page, nil
}

// awaitBackfill gives a backfill of a sparse remote target a bounded head start.
// The backfill keeps running detached when the wait runs out.
func (f *Filter) awaitBackfill(ctx context.Context, viewer, target *domain.Account) {
	if f.backfiller == nil || f.wait <= 0 || !f.backfiller.NeedsBackfill(ctx, target) {
		return
	}
	done := f.backfiller.BackfillAsync(target, viewer)
	timer := time.NewTimer(f.wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Debug("Visibility: listing before backfill finished", zap.String("account", target.Handle()))
	case <-ctx.Done():
	}
}

// ReadPost returns the post with id when viewer may see it, and ErrNotFound otherwise.
func (f *Filter) ReadPost(ctx context.Context, viewer *domain.Account, id uuid.UUID) (*domain.Post, error) {
	post, err := f.db.ReadPostById(ctx, id)
	if err != nil {
		return nil, err
	}
	pred, err := f.BuildPredicate(ctx, viewer, post.AccountId, Options{})
	if err != nil {
		return nil, err
	}
	if pred.Empty() {
		return nil, fmt.Errorf("%w: post %s", domain.ErrNotFound, id)
	}
	pred.and("p.id = ?", id)

	posts, err := f.db.ListPosts(ctx, pred.Apply, db.NewestFirst, 1)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("%w: post %s", domain.ErrNotFound, id)
	}
	return &posts[0], nil
}
