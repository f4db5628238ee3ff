package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/util"
	"go.uber.org/zap"
)

// maxDocumentSize bounds every remote document read.
const maxDocumentSize = 1 << 20

// HTTPClient is the subset of *http.Client used for federation, replaceable in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport fetches remote documents and delivers activities.
type Transport struct {
	client    HTTPClient
	timeout   time.Duration
	Scheme    string
	UserAgent string
}

// NewTransport creates a transport. A nil client gets an *http.Client bounded by timeout.
func NewTransport(client HTTPClient, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Transport{
		client:    client,
		timeout:   timeout,
		Scheme:    "https",
		UserAgent: fmt.Sprintf("%s ActivityPub", util.GetNameAndVersion()),
	}
}

type statusError struct {
	Status int
	URL    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status: %d", e.URL, e.Status)
}

func isGone(err error) bool {
	var se *statusError
	return errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusGone)
}

// get fetches iri as JSON into v, signing the request when signer is set.
func (t *Transport) get(ctx context.Context, iri, accept string, signer *Signer, v any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iri, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", t.UserAgent)

	if signer != nil {
		if err := SignRequest(req, signer.Key, signer.KeyId, nil); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{Status: resp.StatusCode, URL: iri}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON from %s: %w", iri, err)
	}
	return nil
}

// FetchActor dereferences an actor document. Documents of a non-actor type fail with
// domain.ErrNotActor; fetch failures are wrapped in domain.ErrTransientResolution.
func (t *Transport) FetchActor(ctx context.Context, iri string, signer *Signer) (*ActorResponse, error) {
	var actor ActorResponse
	if err := t.get(ctx, iri, ContentType, signer, &actor); err != nil {
		if isGone(err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientResolution, err)
	}
	if !domain.IsActorType(actor.Type) {
		return nil, fmt.Errorf("%w: %s is a %q", domain.ErrNotActor, iri, actor.Type)
	}
	return &actor, nil
}

type orderedCollection struct {
	Type         string            `json:"type"`
	OrderedItems []json.RawMessage `json:"orderedItems"`
	Items        []json.RawMessage `json:"items"`
	First        json.RawMessage   `json:"first"`
}

func (c *orderedCollection) items() []json.RawMessage {
	if len(c.OrderedItems) > 0 {
		return c.OrderedItems
	}
	return c.Items
}

// FetchOutbox returns up to limit items of an outbox, newest first, following the
// collection's first page when items are not inlined.
func (t *Transport) FetchOutbox(ctx context.Context, outboxIRI string, signer *Signer, limit int) ([]json.RawMessage, error) {
	var coll orderedCollection
	if err := t.get(ctx, outboxIRI, ContentType, signer, &coll); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientResolution, err)
	}

	items := coll.items()
	if len(items) == 0 && len(coll.First) > 0 {
		var page orderedCollection
		if err := json.Unmarshal(coll.First, &page); err == nil && len(page.items()) > 0 {
			items = page.items()
		} else if first := objectID(coll.First); first != "" {
			if err := t.get(ctx, first, ContentType, signer, &page); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrTransientResolution, err)
			}
			items = page.items()
		}
	}

	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

type webFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WebFingerResponse is a JRD document.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []webFingerLink `json:"links"`
}

// NewWebFingerResponse describes a local account.
func NewWebFingerResponse(acc *domain.Account) *WebFingerResponse {
	return &WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, acc.Domain),
		Aliases: []string{acc.IRI, acc.URL},
		Links: []webFingerLink{
			{Rel: "self", Type: ContentType, Href: acc.IRI},
			{Rel: "http://webfinger.net/rel/profile-page", Type: "text/html", Href: acc.URL},
		},
	}
}

// SelfLink returns the actor IRI advertised by the document.
func (w *WebFingerResponse) SelfLink() string {
	for _, link := range w.Links {
		if link.Rel != "self" {
			continue
		}
		if link.Type == ContentType || strings.HasPrefix(link.Type, "application/ld+json") {
			return link.Href
		}
	}
	return ""
}

// WebFinger resolves user@host to the actor IRI.
func (t *Transport) WebFinger(ctx context.Context, username, host string) (string, error) {
	resource := fmt.Sprintf("acct:%s@%s", username, host)
	u := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", t.Scheme, host, url.QueryEscape(resource))

	var jrd WebFingerResponse
	if err := t.get(ctx, u, "application/jrd+json, application/json", nil, &jrd); err != nil {
		if isGone(err) {
			return "", fmt.Errorf("%w: %s", domain.ErrNotFound, resource)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrTransientResolution, err)
	}

	self := jrd.SelfLink()
	if self == "" {
		return "", fmt.Errorf("%w: no actor link for %s", domain.ErrNotFound, resource)
	}
	return self, nil
}

// Deliver POSTs a signed activity to a remote inbox.
func (t *Transport) Deliver(ctx context.Context, inboxURI string, activityJSON []byte, signer *Signer) error {
	if signer == nil {
		return errors.New("delivery requires a signer")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(activityJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", t.UserAgent)

	if err := SignRequest(req, signer.Key, signer.KeyId, activityJSON); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", domain.ErrTransientDelivery, &statusError{Status: resp.StatusCode, URL: inboxURI})
	}

	logger.Debug("Transport: delivered activity", zap.String("inbox", inboxURI), zap.Int("status", resp.StatusCode))
	return nil
}
