package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/deemkeen/stegograph/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeResolver struct {
	db *db.DB
}

func (r *storeResolver) ResolveIRI(ctx context.Context, iri string, _ *domain.Account) (*domain.Account, error) {
	return r.db.ReadAccountByIRI(ctx, iri)
}

func (r *storeResolver) Refresh(ctx context.Context, iri string) (*domain.Account, error) {
	return r.db.ReadAccountByIRI(ctx, iri)
}

type call struct {
	method string
	actor  string
	target string
	uri    string
}

type recordingRelationships struct {
	calls []call
}

func (r *recordingRelationships) HandleRemoteFollow(_ context.Context, follower, target *domain.Account, uri string) error {
	r.calls = append(r.calls, call{"follow", follower.IRI, target.IRI, uri})
	return nil
}

func (r *recordingRelationships) HandleRemoteAccept(_ context.Context, accepter *domain.Account, uri, follower string) error {
	r.calls = append(r.calls, call{"accept", accepter.IRI, follower, uri})
	return nil
}

func (r *recordingRelationships) HandleRemoteReject(_ context.Context, rejecter *domain.Account, uri, follower string) error {
	r.calls = append(r.calls, call{"reject", rejecter.IRI, follower, uri})
	return nil
}

func (r *recordingRelationships) HandleRemoteUndoFollow(_ context.Context, follower *domain.Account, uri, target string) error {
	r.calls = append(r.calls, call{"undo-follow", follower.IRI, target, uri})
	return nil
}

func (r *recordingRelationships) HandleRemoteBlock(_ context.Context, blocker, target *domain.Account, uri string) error {
	r.calls = append(r.calls, call{"block", blocker.IRI, target.IRI, uri})
	return nil
}

func (r *recordingRelationships) HandleRemoteUndoBlock(_ context.Context, blocker *domain.Account, uri, target string) error {
	r.calls = append(r.calls, call{"undo-block", blocker.IRI, target, uri})
	return nil
}

type inboxFixture struct {
	store *db.DB
	inbox *Inbox
	rels  *recordingRelationships
	alice *domain.Account
	bob   *domain.Account
}

func newInboxFixture(t *testing.T) *inboxFixture {
	store := dbtest.Open(t)
	rels := &recordingRelationships{}
	return &inboxFixture{
		store: store,
		inbox: NewInbox(store, &storeResolver{db: store}, rels),
		rels:  rels,
		alice: dbtest.LocalAccount(t, store, "alice", false),
		bob:   dbtest.RemoteAccount(t, store, "bob", "https://remote.example", false),
	}
}

// post delivers activity to alice's inbox signed with the key of keyOwner.
func (f *inboxFixture) post(t *testing.T, activity map[string]interface{}, keyOwner string) int {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "https://home.example/users/alice/inbox", bytes.NewReader(body))
	if keyOwner != "" {
		require.NoError(t, SignRequest(req, testKey(t), keyOwner+"#main-key", body))
	}
	rec := httptest.NewRecorder()
	f.inbox.HandleInbox(rec, req, "alice")
	return rec.Code
}

func TestInboxFollow(t *testing.T) {
	f := newInboxFixture(t)
	follow := map[string]interface{}{
		"id":     "https://remote.example/activities/1",
		"type":   "Follow",
		"actor":  f.bob.IRI,
		"object": f.alice.IRI,
	}

	assert.Equal(t, http.StatusAccepted, f.post(t, follow, f.bob.IRI))
	require.Len(t, f.rels.calls, 1)
	assert.Equal(t, call{"follow", f.bob.IRI, f.alice.IRI, "https://remote.example/activities/1"}, f.rels.calls[0])

	// redelivery is deduplicated through the activity log
	assert.Equal(t, http.StatusAccepted, f.post(t, follow, f.bob.IRI))
	assert.Len(t, f.rels.calls, 1)

	logged, err := f.store.ReadActivityByURI(context.Background(), "https://remote.example/activities/1")
	require.NoError(t, err)
	assert.True(t, logged.Processed)
	assert.False(t, logged.Local)
}

func TestInboxRejectsUnsignedAndForeignKeys(t *testing.T) {
	f := newInboxFixture(t)
	follow := map[string]interface{}{"id": "https://remote.example/activities/2", "type": "Follow", "actor": f.bob.IRI, "object": f.alice.IRI}

	assert.Equal(t, http.StatusUnauthorized, f.post(t, follow, ""))
	assert.Equal(t, http.StatusUnauthorized, f.post(t, follow, "https://remote.example/users/mallory"))
	assert.Empty(t, f.rels.calls)
}

func TestInboxUnknownAccount(t *testing.T) {
	f := newInboxFixture(t)
	req := httptest.NewRequest(http.MethodPost, "https://home.example/users/nobody/inbox", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	f.inbox.HandleInbox(rec, req, "nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInboxUndoAndResponses(t *testing.T) {
	f := newInboxFixture(t)
	ours := "https://home.example/activities/ours"

	undo := map[string]interface{}{
		"id":    "https://remote.example/activities/3",
		"type":  "Undo",
		"actor": f.bob.IRI,
		"object": map[string]interface{}{
			"id": "https://remote.example/activities/1", "type": "Follow", "actor": f.bob.IRI, "object": f.alice.IRI,
		},
	}
	accept := map[string]interface{}{
		"id":    "https://remote.example/activities/4",
		"type":  "Accept",
		"actor": f.bob.IRI,
		"object": map[string]interface{}{
			"id": ours, "type": "Follow", "actor": f.alice.IRI, "object": f.bob.IRI,
		},
	}
	reject := map[string]interface{}{"id": "https://remote.example/activities/5", "type": "Reject", "actor": f.bob.IRI, "object": ours}
	block := map[string]interface{}{"id": "https://remote.example/activities/6", "type": "Block", "actor": f.bob.IRI, "object": f.alice.IRI}

	for _, a := range []map[string]interface{}{undo, accept, reject, block} {
		assert.Equal(t, http.StatusAccepted, f.post(t, a, f.bob.IRI))
	}
	assert.Equal(t, []call{
		{"undo-follow", f.bob.IRI, f.alice.IRI, "https://remote.example/activities/1"},
		{"accept", f.bob.IRI, f.alice.IRI, ours},
		{"reject", f.bob.IRI, "", ours},
		{"block", f.bob.IRI, f.alice.IRI, "https://remote.example/activities/6"},
	}, f.rels.calls)
}

func TestInboxCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newInboxFixture(t)
	noteID := f.bob.IRI + "/notes/7"

	create := map[string]interface{}{
		"id":    noteID + "/activity",
		"type":  "Create",
		"actor": f.bob.IRI,
		"object": map[string]interface{}{
			"id": noteID, "type": "Note", "attributedTo": f.bob.IRI, "content": "hello",
			"published": "2024-05-01T10:00:00Z", "to": []string{PublicCollection},
		},
	}
	assert.Equal(t, http.StatusAccepted, f.post(t, create, f.bob.IRI))

	post, err := f.store.ReadPostByIRI(ctx, noteID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.Id, post.AccountId)
	assert.Equal(t, domain.VisibilityPublic, post.Visibility)

	del := map[string]interface{}{
		"id": f.bob.IRI + "/activities/del", "type": "Delete", "actor": f.bob.IRI,
		"object": map[string]interface{}{"id": noteID, "type": "Tombstone"},
	}
	assert.Equal(t, http.StatusAccepted, f.post(t, del, f.bob.IRI))
	_, err = f.store.ReadPostByIRI(ctx, noteID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboxFollowOfRemoteTarget(t *testing.T) {
	f := newInboxFixture(t)
	follow := map[string]interface{}{"id": "https://remote.example/activities/9", "type": "Follow", "actor": f.bob.IRI, "object": f.bob.IRI}
	assert.Equal(t, http.StatusNotFound, f.post(t, follow, f.bob.IRI))
	assert.Empty(t, f.rels.calls)
}
