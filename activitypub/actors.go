package activitypub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/util"
	"github.com/google/uuid"
)

const (
	ContextActivityStreams = "https://www.w3.org/ns/activitystreams"
	ContextSecurity        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ContentType            = "application/activity+json"
)

type image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type propertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context                   interface{}     `json:"@context"`
	ID                        string          `json:"id"`
	Type                      string          `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name"`
	Summary                   string          `json:"summary"`
	URL                       string          `json:"url,omitempty"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox"`
	Followers                 string          `json:"followers,omitempty"`
	Following                 string          `json:"following,omitempty"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Icon                      *image          `json:"icon,omitempty"`
	Image                     *image          `json:"image,omitempty"`
	Endpoints                 *endpoints      `json:"endpoints,omitempty"`
	Attachment                []propertyValue `json:"attachment,omitempty"`
	PublicKey                 publicKey       `json:"publicKey"`
}

// ToAccount translates the actor document into an unsaved remote account.
func (a *ActorResponse) ToAccount() (*domain.Account, error) {
	if !domain.IsActorType(a.Type) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotActor, a.Type)
	}
	if a.ID == "" || a.Inbox == "" || a.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := extractDomain(a.ID)
	if err != nil {
		return nil, err
	}

	username := a.PreferredUsername
	if username == "" {
		username = extractUsername(a.ID)
	}

	acc := &domain.Account{
		Username:     username,
		Domain:       domainName,
		IRI:          a.ID,
		URL:          a.URL,
		InboxURI:     a.Inbox,
		OutboxURI:    a.Outbox,
		FollowersURI: a.Followers,
		DisplayName:  a.Name,
		Summary:      a.Summary,
		PublicKeyPem: a.PublicKey.PublicKeyPem,
		ActorType:    domain.ActorType(a.Type),
		Protected:    a.ManuallyApprovesFollowers,
	}
	if acc.URL == "" {
		acc.URL = a.ID
	}
	if a.Endpoints != nil {
		acc.SharedInboxURI = a.Endpoints.SharedInbox
	}
	if a.Icon != nil {
		acc.AvatarURL = a.Icon.URL
	}
	if a.Image != nil {
		acc.HeaderURL = a.Image.URL
	}
	return acc, nil
}

// NewActorResponse renders a local account as its actor document.
func NewActorResponse(acc *domain.Account, sharedInbox string) *ActorResponse {
	actor := &ActorResponse{
		Context:                   []string{ContextActivityStreams, ContextSecurity},
		ID:                        acc.IRI,
		Type:                      string(acc.ActorType),
		PreferredUsername:         acc.Username,
		Name:                      acc.DisplayName,
		Summary:                   acc.Summary,
		URL:                       acc.URL,
		Inbox:                     acc.InboxURI,
		Outbox:                    acc.OutboxURI,
		Followers:                 acc.FollowersURI,
		Following:                 acc.IRI + "/following",
		ManuallyApprovesFollowers: acc.Protected,
		PublicKey: publicKey{
			ID:           acc.KeyId(),
			Owner:        acc.IRI,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
	if sharedInbox != "" {
		actor.Endpoints = &endpoints{SharedInbox: sharedInbox}
	}
	if acc.AvatarURL != "" {
		actor.Icon = &image{Type: "Image", URL: acc.AvatarURL}
	}
	if acc.HeaderURL != "" {
		actor.Image = &image{Type: "Image", URL: acc.HeaderURL}
	}
	if acc.Owner != nil {
		for _, f := range acc.Owner.Fields {
			actor.Attachment = append(actor.Attachment, propertyValue{Type: "PropertyValue", Name: f.Name, Value: f.Value})
		}
	}
	return actor
}

// NewLocalAccount builds an unsaved account hosted on host with a fresh key pair.
// Its endpoints follow the routes served by the web package.
func NewLocalAccount(scheme, host, username string, protected bool) (*domain.Account, error) {
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s://%s/users/%s", scheme, host, username)
	return &domain.Account{
		Id:           uuid.New(),
		Username:     username,
		Domain:       host,
		IRI:          base,
		URL:          fmt.Sprintf("%s://%s/@%s", scheme, host, username),
		InboxURI:     base + "/inbox",
		OutboxURI:    base + "/outbox",
		FollowersURI: base + "/followers",
		DisplayName:  username,
		PublicKeyPem: keys.Public,
		ActorType:    domain.ActorPerson,
		Protected:    protected,
		Owner: &domain.AccountOwner{
			PrivateKeyPem:     keys.Private,
			DefaultVisibility: domain.VisibilityPublic,
		},
	}, nil
}

// SignerFor returns the signing identity of a local account, or nil for remote
// and anonymous viewers.
func SignerFor(acc *domain.Account) (*Signer, error) {
	if acc == nil || acc.Owner == nil {
		return nil, nil
	}
	key, err := ParsePrivateKey(acc.Owner.PrivateKeyPem)
	if err != nil {
		return nil, err
	}
	return &Signer{KeyId: acc.KeyId(), Key: key}, nil
}

// objectID extracts the id of an object that may be inlined or referenced by IRI.
func objectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}
	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	if len(parts) > 0 {
		return strings.TrimPrefix(parts[len(parts)-1], "@")
	}
	return ""
}
