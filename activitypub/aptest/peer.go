// Package aptest runs a fake remote instance for federation tests.
package aptest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/deemkeen/stegograph/db/dbtest"
)

// Delivery is an activity POSTed to the peer.
type Delivery struct {
	Path     string
	Activity map[string]interface{}
	Header   http.Header
}

// Peer serves WebFinger, actor documents, outboxes and inboxes over plain HTTP.
type Peer struct {
	Server *httptest.Server
	URL    string
	Host   string

	mu        sync.Mutex
	actors    map[string]map[string]interface{}
	outboxes  map[string][]interface{}
	failures  map[string]int
	hits      map[string]int
	domains   map[string]bool
	delivered []Delivery
}

func NewPeer(t testing.TB) *Peer {
	t.Helper()
	p := &Peer{
		actors:   map[string]map[string]interface{}{},
		outboxes: map[string][]interface{}{},
		failures: map[string]int{},
		hits:     map[string]int{},
		domains:  map[string]bool{},
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	p.URL = p.Server.URL
	p.Host = strings.TrimPrefix(p.URL, "http://")
	p.domains[p.Host] = true
	t.Cleanup(p.Server.Close)
	return p
}

// ActorIRI is the IRI of username on the peer.
func (p *Peer) ActorIRI(username string) string {
	return fmt.Sprintf("%s/users/%s", p.URL, username)
}

// Handle is the @user@host handle of username on the peer.
func (p *Peer) Handle(username string) string {
	return fmt.Sprintf("@%s@%s", username, p.Host)
}

// AddDomain makes WebFinger answer for handles under host as well. The actors
// keep their IRIs on Host.
func (p *Peer) AddDomain(host string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domains[host] = true
}

// AddActor publishes a Person signed with the shared fixture key.
func (p *Peer) AddActor(t testing.TB, username string, protected bool) string {
	iri := p.ActorIRI(username)
	p.SetActor(username, map[string]interface{}{
		"@context":                  []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"id":                        iri,
		"type":                      "Person",
		"preferredUsername":         username,
		"name":                      strings.ToUpper(username[:1]) + username[1:],
		"summary":                   "<p>remote " + username + "</p>",
		"url":                       fmt.Sprintf("%s/@%s", p.URL, username),
		"inbox":                     iri + "/inbox",
		"outbox":                    iri + "/outbox",
		"followers":                 iri + "/followers",
		"manuallyApprovesFollowers": protected,
		"endpoints":                 map[string]string{"sharedInbox": p.URL + "/inbox"},
		"icon":                      map[string]string{"type": "Image", "url": p.URL + "/avatars/" + username + ".png"},
		"publicKey": map[string]string{
			"id":           iri + "#main-key",
			"owner":        iri,
			"publicKeyPem": dbtest.Keys(t).Public,
		},
	})
	return iri
}

// SetActor publishes an arbitrary document at /users/username.
func (p *Peer) SetActor(username string, doc map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actors[username] = doc
}

// AddNote appends a public Create{Note} to username's outbox, newest first.
func (p *Peer) AddNote(username, id, content, published string, to, cc []string) {
	iri := p.ActorIRI(username)
	note := map[string]interface{}{
		"id":           fmt.Sprintf("%s/notes/%s", iri, id),
		"type":         "Note",
		"attributedTo": iri,
		"content":      content,
		"published":    published,
		"to":           to,
		"cc":           cc,
	}
	p.AddOutboxItem(username, map[string]interface{}{
		"id":        fmt.Sprintf("%s/notes/%s/activity", iri, id),
		"type":      "Create",
		"actor":     iri,
		"published": published,
		"object":    note,
	})
}

func (p *Peer) AddOutboxItem(username string, item interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outboxes[username] = append([]interface{}{item}, p.outboxes[username]...)
}

// Fail makes the next n requests to path answer with status 500.
func (p *Peer) Fail(path string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[path] = n
}

// Hits counts requests received for path.
func (p *Peer) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// Delivered returns the activities POSTed to the peer so far.
func (p *Peer) Delivered() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.delivered...)
}

func (p *Peer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.hits[r.URL.Path]++
	if p.failures[r.URL.Path] > 0 {
		p.failures[r.URL.Path]--
		p.mu.Unlock()
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	p.mu.Unlock()

	if r.URL.Path == "/.well-known/webfinger" {
		p.serveWebFinger(w, r)
		return
	}
	if r.Method == http.MethodPost {
		p.receive(w, r)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/users/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	username, sub, _ := strings.Cut(rest, "/")

	p.mu.Lock()
	defer p.mu.Unlock()
	doc, ok := p.actors[username]
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch sub {
	case "":
		writeJSON(w, doc)
	case "outbox":
		items := p.outboxes[username]
		if items == nil {
			items = []interface{}{}
		}
		if r.URL.Query().Get("page") == "true" {
			writeJSON(w, map[string]interface{}{"type": "OrderedCollectionPage", "orderedItems": items})
			return
		}
		writeJSON(w, map[string]interface{}{
			"type":       "OrderedCollection",
			"totalItems": len(items),
			"first":      p.ActorIRI(username) + "/outbox?page=true",
		})
	default:
		http.NotFound(w, r)
	}
}

func (p *Peer) serveWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := strings.TrimPrefix(r.URL.Query().Get("resource"), "acct:")
	username, host, _ := strings.Cut(resource, "@")

	p.mu.Lock()
	_, ok := p.actors[username]
	served := p.domains[host]
	p.mu.Unlock()
	if !ok || !served {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"subject": "acct:" + resource,
		"links": []map[string]string{
			{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": p.URL + "/@" + username},
			{"rel": "self", "type": "application/activity+json", "href": p.ActorIRI(username)},
		},
	})
}

func (p *Peer) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.delivered = append(p.delivered, Delivery{Path: r.URL.Path, Activity: activity, Header: r.Header.Clone()})
	p.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/activity+json")
	json.NewEncoder(w).Encode(v)
}
