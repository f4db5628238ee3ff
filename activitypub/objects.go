package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// addressList accepts both a single IRI and an array of IRIs.
type addressList []string

func (l *addressList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = addressList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (l addressList) contains(iri string) bool {
	for _, v := range l {
		if v == iri || (iri == PublicCollection && (v == "as:Public" || v == "Public")) {
			return true
		}
	}
	return false
}

type noteTag struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Href string `json:"href"`
}

type noteAttachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// Note is an inbound or outbound Note, Article or Page object.
type Note struct {
	Context      interface{}      `json:"@context,omitempty"`
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	AttributedTo string           `json:"attributedTo"`
	Content      string           `json:"content"`
	Summary      string           `json:"summary,omitempty"`
	Sensitive    bool             `json:"sensitive,omitempty"`
	InReplyTo    *string          `json:"inReplyTo"`
	Published    string           `json:"published"`
	URL          string           `json:"url,omitempty"`
	To           addressList      `json:"to"`
	Cc           addressList      `json:"cc,omitempty"`
	Tag          []noteTag        `json:"tag,omitempty"`
	Attachment   []noteAttachment `json:"attachment,omitempty"`
}

// IsPostType reports whether t is an object type stored as a post.
func IsPostType(t string) bool {
	return t == "Note" || t == "Article" || t == "Page"
}

// addressedVisibility derives the visibility class from an object's audience.
func addressedVisibility(to, cc addressList, followersIRI string) domain.Visibility {
	switch {
	case to.contains(PublicCollection):
		return domain.VisibilityPublic
	case cc.contains(PublicCollection):
		return domain.VisibilityUnlisted
	case followersIRI != "" && (to.contains(followersIRI) || cc.contains(followersIRI)):
		return domain.VisibilityPrivate
	}
	return domain.VisibilityDirect
}

func parsePublished(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// ToPost translates the object into an unsaved post of author. Mentions and the
// reply target are resolved by the caller.
func (n *Note) ToPost(author *domain.Account) *domain.Post {
	post := &domain.Post{
		AccountId:      author.Id,
		IRI:            n.ID,
		URL:            n.URL,
		Content:        n.Content,
		Visibility:     addressedVisibility(n.To, n.Cc, author.FollowersURI),
		Sensitive:      n.Sensitive || n.Summary != "",
		ContentWarning: n.Summary,
		Published:      parsePublished(n.Published),
	}
	if post.URL == "" {
		post.URL = n.ID
	}
	if n.InReplyTo != nil {
		post.InReplyToIRI = *n.InReplyTo
	}
	seen := map[string]bool{}
	for _, tag := range n.Tag {
		if tag.Type != "Hashtag" {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(tag.Name, "#"))
		if name != "" && !seen[name] {
			seen[name] = true
			post.Tags = append(post.Tags, name)
		}
	}
	for _, att := range n.Attachment {
		if att.URL != "" {
			post.Attachments = append(post.Attachments, domain.Attachment{URL: att.URL, MediaType: att.MediaType})
		}
	}
	return post
}

func (n *Note) mentionIRIs() []string {
	var iris []string
	for _, tag := range n.Tag {
		if tag.Type == "Mention" && tag.Href != "" {
			iris = append(iris, tag.Href)
		}
	}
	return iris
}

// NewNote renders a stored post of author as an outbound object.
func NewNote(post *domain.Post, author *domain.Account, mentioned []*domain.Account, replyTo string) *Note {
	to, cc := audience(post.Visibility, author.FollowersURI, mentioned)
	note := &Note{
		ID:           post.IRI,
		Type:         "Note",
		AttributedTo: author.IRI,
		Content:      post.Content,
		Summary:      post.ContentWarning,
		Sensitive:    post.Sensitive,
		Published:    post.Published.UTC().Format(time.RFC3339),
		URL:          post.URL,
		To:           to,
		Cc:           cc,
	}
	if replyTo != "" {
		note.InReplyTo = &replyTo
	}
	for _, acc := range mentioned {
		note.Tag = append(note.Tag, noteTag{Type: "Mention", Name: acc.Handle(), Href: acc.IRI})
	}
	for _, tag := range post.Tags {
		note.Tag = append(note.Tag, noteTag{Type: "Hashtag", Name: "#" + tag})
	}
	for _, att := range post.Attachments {
		note.Attachment = append(note.Attachment, noteAttachment{Type: "Document", MediaType: att.MediaType, URL: att.URL})
	}
	return note
}

func audience(v domain.Visibility, followers string, mentioned []*domain.Account) (addressList, addressList) {
	var mentionIRIs addressList
	for _, acc := range mentioned {
		mentionIRIs = append(mentionIRIs, acc.IRI)
	}
	switch v {
	case domain.VisibilityPublic:
		return addressList{PublicCollection}, append(addressList{followers}, mentionIRIs...)
	case domain.VisibilityUnlisted:
		return addressList{followers}, append(addressList{PublicCollection}, mentionIRIs...)
	case domain.VisibilityPrivate:
		return addressList{followers}, mentionIRIs
	}
	return mentionIRIs, nil
}

// SaveNote stores a remote object as a post of author. Mentions are kept for accounts
// already known here. It reports whether the post was new.
func SaveNote(ctx context.Context, store *db.DB, author *domain.Account, note *Note) (bool, error) {
	if !IsPostType(note.Type) {
		return false, fmt.Errorf("unsupported object type %q", note.Type)
	}
	if note.AttributedTo != "" && note.AttributedTo != author.IRI {
		return false, fmt.Errorf("%s is not attributed to %s", note.ID, author.IRI)
	}

	post := note.ToPost(author)
	if post.InReplyToIRI != "" {
		if target, err := store.ReadPostByIRI(ctx, post.InReplyToIRI); err == nil {
			post.ReplyTargetId = &target.Id
		}
	}
	for _, iri := range note.mentionIRIs() {
		acc, err := store.ReadAccountByIRI(ctx, iri)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		post.Mentions = append(post.Mentions, acc.Id)
	}
	return store.CreatePost(ctx, post)
}

type announce struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	Published string          `json:"published"`
	To        addressList     `json:"to"`
	Cc        addressList     `json:"cc"`
}

// SaveAnnounce stores a share by author of a post that is already known here.
func SaveAnnounce(ctx context.Context, store *db.DB, author *domain.Account, raw []byte) (bool, error) {
	var a announce
	if err := json.Unmarshal(raw, &a); err != nil {
		return false, fmt.Errorf("failed to parse Announce: %w", err)
	}
	original, err := store.ReadPostByIRI(ctx, objectID(a.Object))
	if err != nil {
		return false, err
	}
	sharingId := original.Id
	return store.CreatePost(ctx, &domain.Post{
		AccountId:  author.Id,
		IRI:        a.ID,
		URL:        a.ID,
		Visibility: addressedVisibility(a.To, a.Cc, author.FollowersURI),
		SharingId:  &sharingId,
		Published:  parsePublished(a.Published),
	})
}

// SaveOutboxItem stores one outbox entry: a Create of a post object or an Announce
// of a known post. Other entries are skipped.
func SaveOutboxItem(ctx context.Context, store *db.DB, author *domain.Account, raw json.RawMessage) (bool, error) {
	var item struct {
		Type   string          `json:"type"`
		Actor  string          `json:"actor"`
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return false, err
	}
	if item.Actor != "" && item.Actor != author.IRI {
		return false, nil
	}

	switch item.Type {
	case domain.ActivityCreate:
		var note Note
		if err := json.Unmarshal(item.Object, &note); err != nil || note.ID == "" {
			// referenced objects are not dereferenced during backfill
			return false, nil
		}
		if !IsPostType(note.Type) {
			return false, nil
		}
		if v := note.Visibility(author); v != domain.VisibilityPublic && v != domain.VisibilityUnlisted {
			return false, nil
		}
		return SaveNote(ctx, store, author, &note)
	case domain.ActivityAnnounce:
		created, err := SaveAnnounce(ctx, store, author, raw)
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return created, err
	}
	logger.Debug("Outbox: skipping item", zap.String("type", item.Type), zap.String("actor", author.IRI))
	return false, nil
}

// Visibility is the visibility class the object is addressed with.
func (n *Note) Visibility(author *domain.Account) domain.Visibility {
	return addressedVisibility(n.To, n.Cc, author.FollowersURI)
}

// localObjectIRI builds an IRI on the host of actorIRI.
func localObjectIRI(actorIRI, kind string, id uuid.UUID) string {
	base := actorIRI
	if i := strings.Index(actorIRI, "/users/"); i >= 0 {
		base = actorIRI[:i]
	}
	return fmt.Sprintf("%s/%s/%s", base, kind, id)
}
