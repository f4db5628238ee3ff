package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"go.uber.org/zap"
)

// Dispatcher queues outbound activities for the delivery worker. Enqueueing never
// touches the network; delivery and retries happen in DeliveryWorker.
type Dispatcher struct {
	db *db.DB
}

func NewDispatcher(store *db.DB) *Dispatcher {
	return &Dispatcher{db: store}
}

// Dispatch queues activity from the local sender to recipient's inbox. Local
// recipients are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, sender, recipient *domain.Account, activity map[string]interface{}) error {
	if recipient.IsLocal() {
		return nil
	}
	return d.enqueue(ctx, sender, []string{recipient.DeliveryInbox()}, activity)
}

// DispatchToFollowers queues activity to the inboxes of sender's remote followers and
// of any extra remote recipients, each distinct inbox once.
func (d *Dispatcher) DispatchToFollowers(ctx context.Context, sender *domain.Account, activity map[string]interface{}, extra ...*domain.Account) error {
	inboxes, err := d.db.ReadFollowerInboxes(ctx, sender.Id)
	if err != nil {
		return fmt.Errorf("failed to read follower inboxes: %w", err)
	}
	for _, acc := range extra {
		if !acc.IsLocal() {
			inboxes = append(inboxes, acc.DeliveryInbox())
		}
	}
	return d.enqueue(ctx, sender, inboxes, activity)
}

func (d *Dispatcher) enqueue(ctx context.Context, sender *domain.Account, inboxes []string, activity map[string]interface{}) error {
	if !sender.IsLocal() {
		return fmt.Errorf("%w: %s is not a local account", domain.ErrActionNotAllowed, sender.Handle())
	}

	payload := mustMarshal(activity)
	id, _ := activity["id"].(string)
	kind, _ := activity["type"].(string)
	if err := d.db.CreateActivity(ctx, &domain.Activity{
		ActivityURI:  id,
		ActivityType: kind,
		ActorURI:     sender.IRI,
		ObjectURI:    objectIRIOf(activity["object"]),
		RawJSON:      payload,
		Processed:    true,
		Local:        true,
	}); err != nil {
		logger.Warn("Dispatcher: failed to log activity", zap.String("id", id), zap.Error(err))
	}

	seen := make(map[string]bool, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		item := &domain.DeliveryQueueItem{
			SenderId:     sender.Id,
			InboxURI:     inbox,
			ActivityJSON: payload,
		}
		if err := d.db.EnqueueDelivery(ctx, item); err != nil {
			return fmt.Errorf("%w: queue delivery to %s: %v", domain.ErrTransientDelivery, inbox, err)
		}
	}

	logger.Debug("Dispatcher: queued activity", zap.String("type", kind), zap.Int("inboxes", len(seen)))
	return nil
}

func objectIRIOf(object interface{}) string {
	switch obj := object.(type) {
	case string:
		return obj
	case map[string]interface{}:
		id, _ := obj["id"].(string)
		return id
	case *Note:
		return obj.ID
	}
	return ""
}
