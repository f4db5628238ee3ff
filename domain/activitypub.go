package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActivityFollow   = "Follow"
	ActivityAccept   = "Accept"
	ActivityReject   = "Reject"
	ActivityUndo     = "Undo"
	ActivityBlock    = "Block"
	ActivityCreate   = "Create"
	ActivityAnnounce = "Announce"
	ActivityUpdate   = "Update"
	ActivityDelete   = "Delete"
)

// Activity is the log of inbound and outbound activities, used for deduplication.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool // true if originated from this server
}

// DeliveryQueueItem is an activity waiting to be POSTed to a remote inbox,
// signed with the key of SenderId.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	SenderId     uuid.UUID
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
