// Package events publishes relationship changes for other services to consume.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Kind string

const (
	Followed        Kind = "followed"
	FollowRequested Kind = "follow_requested"
	FollowAccepted  Kind = "follow_accepted"
	FollowRejected  Kind = "follow_rejected"
	Unfollowed      Kind = "unfollowed"
	Blocked         Kind = "blocked"
	Unblocked       Kind = "unblocked"
	Muted           Kind = "muted"
	Unmuted         Kind = "unmuted"
)

const subjectPrefix = "relationship."

// RelationshipEvent is published once a relationship change has been committed.
type RelationshipEvent struct {
	Kind      Kind      `json:"kind"`
	AccountId uuid.UUID `json:"account_id"`
	TargetId  uuid.UUID `json:"target_id"`
	Remote    bool      `json:"remote"` // initiated by a remote actor
	At        time.Time `json:"at"`
}

func (e RelationshipEvent) Subject() string {
	return subjectPrefix + string(e.Kind)
}

type Publisher interface {
	Publish(ctx context.Context, event RelationshipEvent) error
}

// NatsPublisher publishes events on relationship.<kind> subjects, carrying the
// trace context in the message headers.
type NatsPublisher struct {
	nc *nats.Conn
}

func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc}
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("stegograph"), nats.MaxReconnects(-1))
}

func (p *NatsPublisher) Publish(ctx context.Context, event RelationshipEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling error: %w", err)
	}
	msg := &nats.Msg{
		Subject: event.Subject(),
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))
	return p.nc.PublishMsg(msg)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, RelationshipEvent) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []RelationshipEvent
}

func (r *Recorder) Publish(_ context.Context, event RelationshipEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []RelationshipEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RelationshipEvent(nil), r.events...)
}

// Kinds lists the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	var kinds []Kind
	for _, e := range r.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
