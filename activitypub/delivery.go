package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxDeliveryAttempts = 10
	deliveryBatchSize   = 50
)

var deliveryBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

// DeliveryWorker drains the delivery queue, retrying failed deliveries with backoff.
type DeliveryWorker struct {
	db        *db.DB
	transport *Transport
	interval  time.Duration
	now       func() time.Time
}

func NewDeliveryWorker(store *db.DB, transport *Transport, interval time.Duration) *DeliveryWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DeliveryWorker{db: store, transport: transport, interval: interval, now: time.Now}
}

// Run processes the queue every interval until ctx is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	logger.Info("DeliveryWorker: starting", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("DeliveryWorker: stopped")
			return
		case <-ticker.C:
			w.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue attempts every due delivery once and returns how many succeeded.
func (w *DeliveryWorker) ProcessQueue(ctx context.Context) int {
	items, err := w.db.ReadPendingDeliveries(ctx, w.now(), deliveryBatchSize)
	if err != nil {
		logger.Error("DeliveryWorker: failed to read queue", zap.Error(err))
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	logger.Debug("DeliveryWorker: processing pending deliveries", zap.Int("count", len(items)))

	signers := map[uuid.UUID]*Signer{}
	delivered := 0
	for i := range items {
		item := &items[i]
		err := w.deliver(ctx, item, signers)
		if err == nil {
			delivered++
			if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
				logger.Warn("DeliveryWorker: failed to remove delivered item", zap.Error(err))
			}
			continue
		}
		w.retry(ctx, item, err)
	}
	return delivered
}

func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem, signers map[uuid.UUID]*Signer) error {
	signer, ok := signers[item.SenderId]
	if !ok {
		sender, err := w.db.ReadAccountById(ctx, item.SenderId)
		if err != nil {
			return fmt.Errorf("failed to get sender: %w", err)
		}
		if signer, err = SignerFor(sender); err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		signers[item.SenderId] = signer
	}
	return w.transport.Deliver(ctx, item.InboxURI, []byte(item.ActivityJSON), signer)
}

func (w *DeliveryWorker) retry(ctx context.Context, item *domain.DeliveryQueueItem, cause error) {
	item.Attempts++
	if item.Attempts >= maxDeliveryAttempts {
		logger.Warn("DeliveryWorker: giving up on delivery",
			zap.String("inbox", item.InboxURI), zap.Int("attempts", item.Attempts), zap.Error(cause))
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("inbox", item.InboxURI)
			scope.SetExtra("attempts", item.Attempts)
			sentry.CaptureException(fmt.Errorf("delivery to %s abandoned: %w", item.InboxURI, cause))
		})
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			logger.Warn("DeliveryWorker: failed to remove abandoned item", zap.Error(err))
		}
		return
	}

	backoff := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
	item.NextRetryAt = w.now().Add(backoff)
	logger.Info("DeliveryWorker: delivery failed, will retry",
		zap.String("inbox", item.InboxURI), zap.Int("attempt", item.Attempts),
		zap.Duration("backoff", backoff), zap.Error(cause))
	if err := w.db.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
		logger.Error("DeliveryWorker: failed to reschedule delivery", zap.Error(err))
	}
}
