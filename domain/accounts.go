package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ActorType string

const (
	ActorPerson       ActorType = "Person"
	ActorService      ActorType = "Service"
	ActorGroup        ActorType = "Group"
	ActorOrganization ActorType = "Organization"
	ActorApplication  ActorType = "Application"
)

// IsActorType reports whether t names an ActivityStreams actor type.
func IsActorType(t string) bool {
	switch ActorType(t) {
	case ActorPerson, ActorService, ActorGroup, ActorOrganization, ActorApplication:
		return true
	}
	return false
}

// Account is any actor known to this instance, local or remote.
type Account struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	IRI            string
	URL            string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	DisplayName    string
	Summary        string // rendered HTML
	SummarySource  string
	AvatarURL      string
	HeaderURL      string
	PublicKeyPem   string
	ActorType      ActorType
	Protected      bool
	SuccessorId    *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastFetchedAt  *time.Time
	Owner          *AccountOwner // nil for remote accounts
}

// Field is a profile metadata key/value pair.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AccountOwner holds the credential bearing part of an account hosted here.
type AccountOwner struct {
	AccountId         uuid.UUID
	PrivateKeyPem     string
	DefaultVisibility Visibility
	DefaultLanguage   string
	Fields            []Field
	CreatedAt         time.Time
}

func (acc *Account) IsLocal() bool {
	return acc.Owner != nil
}

func (acc *Account) Handle() string {
	return fmt.Sprintf("@%s@%s", acc.Username, acc.Domain)
}

// Acct is the Mastodon style account name: bare username for local accounts.
func (acc *Account) Acct() string {
	if acc.IsLocal() {
		return acc.Username
	}
	return fmt.Sprintf("%s@%s", acc.Username, acc.Domain)
}

// KeyId is the id of the account's public key as advertised in its actor document.
func (acc *Account) KeyId() string {
	return acc.IRI + "#main-key"
}

// DeliveryInbox prefers the shared inbox when the peer advertises one.
func (acc *Account) DeliveryInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tHandle: %s \n\tIRI: %s \n\tLocal: %t \n\tCREATED_AT: %s)", acc.Id, acc.Handle(), acc.IRI, acc.IsLocal(), acc.CreatedAt)
}
