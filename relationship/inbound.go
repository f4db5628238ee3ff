package relationship

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/events"
	"github.com/deemkeen/stegograph/logger"
	"go.uber.org/zap"
)

var _ activitypub.InboundRelationships = (*Engine)(nil)

// HandleRemoteFollow records a Follow of the local target by a remote follower.
// Unprotected targets accept at once; protected ones keep a pending request. A
// follower on either side of a block is rejected.
func (e *Engine) HandleRemoteFollow(ctx context.Context, follower, target *domain.Account, followURI string) (err error) {
	ctx, span := e.start(ctx, "HandleRemoteFollow", follower, target)
	defer func() { finish(span, err) }()

	if follower.Id == target.Id || !target.IsLocal() {
		return fmt.Errorf("%w: follow of %s by %s", domain.ErrActionNotAllowed, target.Handle(), follower.Handle())
	}

	var (
		follow  *domain.Follow
		blocked bool
		created bool
	)
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		if blocked, err = tx.BlockBetween(ctx, follower.Id, target.Id); err != nil || blocked {
			return err
		}
		existing, err := tx.ReadFollow(ctx, follower.Id, target.Id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		created = existing == nil

		f := &domain.Follow{AccountId: follower.Id, TargetAccountId: target.Id, URI: followURI}
		if !target.Protected {
			now := e.now()
			f.ApprovedAt = &now
		}
		follow, err = tx.UpsertFollow(ctx, f)
		return err
	})
	if err != nil {
		return err
	}

	if blocked {
		e.dispatch(ctx, target, follower, activitypub.NewReject(target, follower, followURI))
		return fmt.Errorf("%w: block between %s and %s", domain.ErrActionNotAllowed, follower.Handle(), target.Handle())
	}

	if follow.Approved() {
		// repeated Follows are answered again, the remote side may have missed the Accept
		e.dispatch(ctx, target, follower, activitypub.NewAccept(target, follower, followURI))
	}
	if created {
		kind := events.Followed
		if !follow.Approved() {
			kind = events.FollowRequested
		}
		e.publish(ctx, kind, follower, target, true)
	}
	logger.Info("Relationship: remote follow", zap.String("follower", follower.Handle()),
		zap.String("target", target.Handle()), zap.Bool("approved", follow.Approved()))
	return nil
}

// HandleRemoteAccept approves the local follow the remote accepter answered.
func (e *Engine) HandleRemoteAccept(ctx context.Context, accepter *domain.Account, followURI, followerIRI string) (err error) {
	follow, follower, err := e.outgoingFollow(ctx, accepter, followURI, followerIRI)
	if err != nil || follow == nil {
		return err
	}
	ctx, span := e.start(ctx, "HandleRemoteAccept", follower, accepter)
	defer func() { finish(span, err) }()

	var approved bool
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		approved, err = tx.ApproveFollow(ctx, follow.AccountId, accepter.Id, e.now())
		return err
	})
	if err != nil {
		return err
	}
	if approved {
		e.publish(ctx, events.FollowAccepted, accepter, follower, true)
	}
	return nil
}

// HandleRemoteReject drops the local follow the remote rejecter refused.
func (e *Engine) HandleRemoteReject(ctx context.Context, rejecter *domain.Account, followURI, followerIRI string) (err error) {
	follow, follower, err := e.outgoingFollow(ctx, rejecter, followURI, followerIRI)
	if err != nil || follow == nil {
		return err
	}
	ctx, span := e.start(ctx, "HandleRemoteReject", follower, rejecter)
	defer func() { finish(span, err) }()

	var removed *domain.Follow
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteFollow(ctx, follow.AccountId, rejecter.Id)
		return err
	})
	if err != nil {
		return err
	}
	if removed != nil {
		e.publish(ctx, events.FollowRejected, rejecter, follower, true)
	}
	return nil
}

// outgoingFollow finds the follow of remote by a local account, by activity URI
// first and by follower IRI otherwise. Unknown follows yield nil.
func (e *Engine) outgoingFollow(ctx context.Context, remote *domain.Account, followURI, followerIRI string) (*domain.Follow, *domain.Account, error) {
	var follow *domain.Follow
	if followURI != "" {
		f, err := e.db.ReadFollowByURI(ctx, followURI)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, nil, err
		}
		follow = f
	}
	if follow == nil && followerIRI != "" {
		follower, err := e.db.ReadAccountByIRI(ctx, followerIRI)
		if err == nil {
			follow, err = e.db.ReadFollow(ctx, follower.Id, remote.Id)
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, nil, err
		}
	}
	if follow == nil {
		logger.Debug("Relationship: answer to unknown follow", zap.String("uri", followURI), zap.String("actor", remote.IRI))
		return nil, nil, nil
	}
	if follow.TargetAccountId != remote.Id {
		return nil, nil, fmt.Errorf("%w: %s answered a follow of another account", domain.ErrActionNotAllowed, remote.Handle())
	}
	follower, err := e.db.ReadAccountById(ctx, follow.AccountId)
	if err != nil {
		return nil, nil, err
	}
	return follow, follower, nil
}

// HandleRemoteUndoFollow removes a follow the remote follower withdrew.
func (e *Engine) HandleRemoteUndoFollow(ctx context.Context, follower *domain.Account, followURI, targetIRI string) (err error) {
	var follow *domain.Follow
	if followURI != "" {
		if follow, err = e.db.ReadFollowByURI(ctx, followURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if follow == nil && targetIRI != "" {
		target, err := e.db.ReadAccountByIRI(ctx, targetIRI)
		if err == nil {
			follow, err = e.db.ReadFollow(ctx, follower.Id, target.Id)
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if follow == nil {
		return nil
	}
	if follow.AccountId != follower.Id {
		return fmt.Errorf("%w: %s cannot undo another account's follow", domain.ErrActionNotAllowed, follower.Handle())
	}
	target, err := e.db.ReadAccountById(ctx, follow.TargetAccountId)
	if err != nil {
		return err
	}

	ctx, span := e.start(ctx, "HandleRemoteUndoFollow", follower, target)
	defer func() { finish(span, err) }()

	var removed *domain.Follow
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteFollow(ctx, follower.Id, target.Id)
		return err
	})
	if err != nil {
		return err
	}
	if removed != nil {
		e.publish(ctx, events.Unfollowed, follower, target, true)
	}
	return nil
}

// HandleRemoteBlock records a block of the local target by a remote blocker and
// removes the follows between them.
func (e *Engine) HandleRemoteBlock(ctx context.Context, blocker, target *domain.Account, blockURI string) (err error) {
	ctx, span := e.start(ctx, "HandleRemoteBlock", blocker, target)
	defer func() { finish(span, err) }()

	if blocker.Id == target.Id {
		return fmt.Errorf("%w: %s cannot block itself", domain.ErrActionNotAllowed, blocker.Handle())
	}

	var created bool
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		exists, err := tx.BlockExists(ctx, blocker.Id, target.Id)
		if err != nil {
			return err
		}
		created = !exists
		if _, err := tx.DeleteFollow(ctx, blocker.Id, target.Id); err != nil {
			return err
		}
		if _, err := tx.DeleteFollow(ctx, target.Id, blocker.Id); err != nil {
			return err
		}
		_, err = tx.UpsertBlock(ctx, &domain.Block{AccountId: blocker.Id, TargetAccountId: target.Id, URI: blockURI})
		return err
	})
	if err != nil {
		return err
	}
	if created {
		e.publish(ctx, events.Blocked, blocker, target, true)
	}
	return nil
}

// HandleRemoteUndoBlock lifts a block the remote blocker withdrew.
func (e *Engine) HandleRemoteUndoBlock(ctx context.Context, blocker *domain.Account, blockURI, targetIRI string) (err error) {
	var block *domain.Block
	if blockURI != "" {
		if block, err = e.db.ReadBlockByURI(ctx, blockURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	if block == nil && targetIRI != "" {
		target, err := e.db.ReadAccountByIRI(ctx, targetIRI)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		block = &domain.Block{AccountId: blocker.Id, TargetAccountId: target.Id}
	}
	if block == nil {
		return nil
	}
	if block.AccountId != blocker.Id {
		return fmt.Errorf("%w: %s cannot undo another account's block", domain.ErrActionNotAllowed, blocker.Handle())
	}
	target, err := e.db.ReadAccountById(ctx, block.TargetAccountId)
	if err != nil {
		return err
	}

	ctx, span := e.start(ctx, "HandleRemoteUndoBlock", blocker, target)
	defer func() { finish(span, err) }()

	var removed *domain.Block
	err = e.db.Update(ctx, func(tx *db.Tx) error {
		var err error
		removed, err = tx.DeleteBlock(ctx, blocker.Id, target.Id)
		return err
	})
	if err != nil {
		return err
	}
	if removed != nil {
		e.publish(ctx, events.Unblocked, blocker, target, true)
	}
	return nil
}
