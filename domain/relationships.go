package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follow is the directed edge AccountId -> TargetAccountId. A nil ApprovedAt is a pending request.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // ActivityPub Follow activity URI
	ApprovedAt      *time.Time
	CreatedAt       time.Time
}

func (f *Follow) Approved() bool {
	return f.ApprovedAt != nil
}

type Block struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string
	CreatedAt       time.Time
}

// Mute hides the target's posts from the muter. A nil Duration never expires.
type Mute struct {
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	Notifications   bool
	Duration        *time.Duration
	CreatedAt       time.Time
	ExpiresAt       *time.Time
}

// NewMute derives the expiry from created and duration. A non positive duration means indefinite.
func NewMute(accountId, targetId uuid.UUID, notifications bool, duration time.Duration, created time.Time) *Mute {
	m := &Mute{
		AccountId:       accountId,
		TargetAccountId: targetId,
		Notifications:   notifications,
		CreatedAt:       created,
	}
	if duration > 0 {
		expires := created.Add(duration)
		m.Duration = &duration
		m.ExpiresAt = &expires
	}
	return m
}

func (m *Mute) IsActive(now time.Time) bool {
	if m.Duration == nil {
		return true
	}
	return now.Before(m.CreatedAt.Add(*m.Duration))
}

// Relationship is the client facing summary of the viewer's edges to one target.
type Relationship struct {
	Id                  uuid.UUID `json:"id"`
	Following           bool      `json:"following"`
	ShowingReblogs      bool      `json:"showing_reblogs"`
	Notifying           bool      `json:"notifying"`
	FollowedBy          bool      `json:"followed_by"`
	Blocking            bool      `json:"blocking"`
	BlockedBy           bool      `json:"blocked_by"`
	Muting              bool      `json:"muting"`
	MutingNotifications bool      `json:"muting_notifications"`
	Requested           bool      `json:"requested"`
	DomainBlocking      bool      `json:"domain_blocking"`
	Endorsed            bool      `json:"endorsed"`
	Note                string    `json:"note"`
}
