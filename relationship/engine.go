// Package relationship applies follow, block and mute transitions between accounts
// and federates them once they are committed.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/events"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Dispatcher queues an activity for delivery to a remote inbox.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender, recipient *domain.Account, activity map[string]interface{}) error
}

type Engine struct {
	db         *db.DB
	dispatcher Dispatcher
	events     events.Publisher
	views      *Views
	tracer     trace.Tracer
	now        func() time.Time
}

func NewEngine(store *db.DB, dispatcher Dispatcher, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		db:         store,
		dispatcher: dispatcher,
		events:     publisher,
		views:      NewViews(store),
		tracer:     telemetry.Tracer("relationship"),
		now:        time.Now,
	}
}

func (e *Engine) Views() *Views {
	return e.views
}

func (e *Engine) start(ctx context.Context, op string, a, b *domain.Account) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "relationship."+op, trace.WithAttributes(
		attribute.String("account", a.Handle()),
		attribute.String("target", b.Handle()),
	))
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, domain.ErrActionNotAllowed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func checkPair(a, b *domain.Account) error {
	if a.Id == b.Id {
		return fmt.Errorf("%w: %s cannot relate to itself", domain.ErrActionNotAllowed, a.Handle())
	}
	if !a.IsLocal() {
		return fmt.Errorf("%w: %s is not hosted here", domain.ErrActionNotAllowed, a.Handle())
	}
	return nil
}

// Follow makes a follow b. The follow is approved at once unless b is protected,
// in which case it stays a pending request.
func (e *Engine) Follow(ctx context.Context, a, b *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Follow", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	var (
		follow  *domain.Follow
		created bool
	)
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		blocked, err := tx.BlockBetween(ctx, a.Id, b.Id)
		if err != nil {
			return err
		}
		if blocked {
			return fmt.Errorf("%w: block between %s and %s", domain.ErrActionNotAllowed, a.Handle(), b.Handle())
		}

		existing, err := tx.ReadFollow(ctx, a.Id, b.Id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		created = existing == nil

		f := &domain.Follow{AccountId: a.Id, TargetAccountId: b.Id}
		if created {
			f.URI = activitypub.ActivityID(a)
		}
		if !b.Protected {
			now := e.now()
			f.ApprovedAt = &now
		}
		follow, err = tx.UpsertFollow(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	// a pending request is resent so a lost Follow can be retried by the user
	if created || !follow.Approved() {
		e.dispatch(ctx, a, b, activitypub.NewFollow(follow.URI, a, b))
	}
	if created {
		kind := events.Followed
		if !follow.Approved() {
			kind = events.FollowRequested
		}
		e.publish(ctx, kind, a, b, false)
		logger.Info("Relationship: follow", zap.String("account", a.Handle()), zap.String("target", b.Handle()),
			zap.Bool("approved", follow.Approved()))
	}
	return e.summary(ctx, a, b)
}

// Unfollow removes the follow of b by a, or the pending request.
func (e *Engine) Unfollow(ctx context.Context, a, b *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Unfollow", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	var removed *domain.Follow
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteFollow(ctx, a.Id, b.Id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if removed != nil {
		e.dispatch(ctx, a, b, activitypub.NewUndo(a, activitypub.NewFollow(removed.URI, a, b)))
		e.publish(ctx, events.Unfollowed, a, b, false)
	}
	return e.summary(ctx, a, b)
}

// AcceptFollow approves the pending follow request of follower towards owner. The
// returned summary is owner's view of follower.
func (e *Engine) AcceptFollow(ctx context.Context, owner, follower *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "AcceptFollow", owner, follower)
	defer func() { finish(span, err) }()

	if err := checkPair(owner, follower); err != nil {
		return nil, err
	}

	var (
		follow   *domain.Follow
		approved bool
	)
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		if follow, err = tx.ReadFollow(ctx, follower.Id, owner.Id); err != nil {
			return err
		}
		approved, err = tx.ApproveFollow(ctx, follower.Id, owner.Id, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	if approved {
		e.dispatch(ctx, owner, follower, activitypub.NewAccept(owner, follower, follow.URI))
		e.publish(ctx, events.FollowAccepted, owner, follower, false)
	}
	return e.summary(ctx, owner, follower)
}

// RejectFollow drops the pending follow request of follower towards owner.
func (e *Engine) RejectFollow(ctx context.Context, owner, follower *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "RejectFollow", owner, follower)
	defer func() { finish(span, err) }()

	if err := checkPair(owner, follower); err != nil {
		return nil, err
	}

	var removed *domain.Follow
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		follow, err := tx.ReadFollow(ctx, follower.Id, owner.Id)
		if err != nil {
			return err
		}
		if follow.Approved() {
			return fmt.Errorf("%w: follow is not pending", domain.ErrActionNotAllowed)
		}
		removed, err = tx.DeleteFollow(ctx, follower.Id, owner.Id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if removed != nil {
		e.dispatch(ctx, owner, follower, activitypub.NewReject(owner, follower, removed.URI))
		e.publish(ctx, events.FollowRejected, owner, follower, false)
	}
	return e.summary(ctx, owner, follower)
}

// Block makes a block b. Follows in both directions are removed and are not
// restored by a later Unblock.
func (e *Engine) Block(ctx context.Context, a, b *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Block", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	var (
		block   *domain.Block
		created bool
	)
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		exists, err := tx.BlockExists(ctx, a.Id, b.Id)
		if err != nil {
			return err
		}
		created = !exists
		if _, err := tx.DeleteFollow(ctx, a.Id, b.Id); err != nil {
			return err
		}
		if _, err := tx.DeleteFollow(ctx, b.Id, a.Id); err != nil {
			return err
		}
		blk := &domain.Block{AccountId: a.Id, TargetAccountId: b.Id}
		if created {
			blk.URI = activitypub.ActivityID(a)
		}
		block, err = tx.UpsertBlock(ctx, blk)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		e.dispatch(ctx, a, b, activitypub.NewBlock(block.URI, a, b))
		e.publish(ctx, events.Blocked, a, b, false)
		logger.Info("Relationship: block", zap.String("account", a.Handle()), zap.String("target", b.Handle()))
	}
	return e.summary(ctx, a, b)
}

// Unblock lifts the block of b by a. Without a block it only returns the summary.
func (e *Engine) Unblock(ctx context.Context, a, b *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Unblock", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	var removed *domain.Block
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteBlock(ctx, a.Id, b.Id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if removed != nil {
		e.dispatch(ctx, a, b, activitypub.NewUndo(a, activitypub.NewBlock(removed.URI, a, b)))
		e.publish(ctx, events.Unblocked, a, b, false)
	}
	return e.summary(ctx, a, b)
}

// Mute hides b's posts from a. A non positive duration never expires; muting
// again replaces the previous mute and restarts its clock.
func (e *Engine) Mute(ctx context.Context, a, b *domain.Account, notifications bool, duration time.Duration) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Mute", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	mute := domain.NewMute(a.Id, b.Id, notifications, duration, e.now())
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		return tx.UpsertMute(ctx, mute)
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, events.Muted, a, b, false)
	return e.summary(ctx, a, b)
}

func (e *Engine) Unmute(ctx context.Context, a, b *domain.Account) (rel *domain.Relationship, err error) {
	ctx, span := e.start(ctx, "Unmute", a, b)
	defer func() { finish(span, err) }()

	if err := checkPair(a, b); err != nil {
		return nil, err
	}

	var removed bool
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteMute(ctx, a.Id, b.Id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if removed {
		e.publish(ctx, events.Unmuted, a, b, false)
	}
	return e.summary(ctx, a, b)
}

// summary re-reads the committed edges between viewer and target.
func (e *Engine) summary(ctx context.Context, viewer, target *domain.Account) (*domain.Relationship, error) {
	rels, err := e.views.Summarize(ctx, viewer, []uuid.UUID{target.Id})
	if err != nil {
		return nil, err
	}
	return &rels[0], nil
}

// dispatch queues activity for a remote recipient. The local change is already
// committed, so failures are only logged.
func (e *Engine) dispatch(ctx context.Context, sender, recipient *domain.Account, activity map[string]interface{}) {
	if recipient.IsLocal() || e.dispatcher == nil {
		return
	}
	if err := e.dispatcher.Dispatch(ctx, sender, recipient, activity); err != nil {
		if !errors.Is(err, domain.ErrTransientDelivery) {
			err = fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
		}
		logger.Warn("Relationship: failed to queue activity", zap.Any("type", activity["type"]),
			zap.String("recipient", recipient.Handle()), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, kind events.Kind, a, b *domain.Account, remote bool) {
	event := events.RelationshipEvent{
		Kind:      kind,
		AccountId: a.Id,
		TargetId:  b.Id,
		Remote:    remote,
		At:        e.now().UTC(),
	}
	if err := e.events.Publish(ctx, event); err != nil {
		logger.Warn("Relationship: failed to publish event", zap.String("subject", event.Subject()), zap.Error(err))
	}
}
