package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const remoteBase = "https://remote.example"

func newTestEngine(t *testing.T) (*Engine, *db.DB, *events.Recorder) {
	t.Helper()
	store := dbtest.Open(t)
	rec := &events.Recorder{}
	return NewEngine(store, activitypub.NewDispatcher(store), rec), store, rec
}

type queued struct {
	Inbox    string
	Activity map[string]interface{}
}

// drain removes and returns everything waiting in the delivery queue.
func drain(t *testing.T, store *db.DB) []queued {
	t.Helper()
	ctx := context.Background()
	items, err := store.ReadPendingDeliveries(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	var out []queued
	for _, item := range items {
		var activity map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(item.ActivityJSON), &activity))
		out = append(out, queued{Inbox: item.InboxURI, Activity: activity})
		require.NoError(t, store.DeleteDelivery(ctx, item.Id))
	}
	return out
}

func hasFollow(t *testing.T, store *db.DB, a, b *domain.Account) bool {
	t.Helper()
	_, err := store.ReadFollow(context.Background(), a.Id, b.Id)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestFollowUnfollowRoundTrip(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	b := dbtest.LocalAccount(t, store, "b", false)

	rel, err := e.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, b.Id, rel.Id)
	assert.True(t, rel.Following)
	assert.False(t, rel.Requested)

	rel, err = e.Follow(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, rel.Following)

	rel, err = e.Unfollow(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, rel.Following)
	assert.False(t, hasFollow(t, store, a, b))

	_, err = e.Unfollow(ctx, a, b)
	require.NoError(t, err)

	assert.Equal(t, []events.Kind{events.Followed, events.Unfollowed}, rec.Kinds())
	assert.Empty(t, drain(t, store), "local targets get no activities")
}

func TestFollowProtectedAccount(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t)
	x := dbtest.LocalAccount(t, store, "x", true)
	y := dbtest.LocalAccount(t, store, "y", false)

	rel, err := e.Follow(ctx, y, x)
	require.NoError(t, err)
	assert.True(t, rel.Requested)
	assert.False(t, rel.Following)

	follow, err := store.ReadFollow(ctx, y.Id, x.Id)
	require.NoError(t, err)
	assert.Nil(t, follow.ApprovedAt)

	rel, err = e.AcceptFollow(ctx, x, y)
	require.NoError(t, err)
	assert.True(t, rel.FollowedBy)

	rels, err := e.Views().Summarize(ctx, y, []uuid.UUID{x.Id})
	require.NoError(t, err)
	assert.True(t, rels[0].Following)
	assert.False(t, rels[0].Requested)

	// accepting again changes nothing
	_, err = e.AcceptFollow(ctx, x, y)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.FollowRequested, events.FollowAccepted}, rec.Kinds())

	_, err = e.RejectFollow(ctx, x, y)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed), "approved follows are not requests")
}

func TestRejectFollow(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t)
	x := dbtest.LocalAccount(t, store, "x", true)
	y := dbtest.LocalAccount(t, store, "y", false)

	_, err := e.Follow(ctx, y, x)
	require.NoError(t, err)
	_, err = e.RejectFollow(ctx, x, y)
	require.NoError(t, err)
	assert.False(t, hasFollow(t, store, y, x))

	_, err = e.AcceptFollow(ctx, x, y)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = e.RejectFollow(ctx, x, y)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, []events.Kind{events.FollowRequested, events.FollowRejected}, rec.Kinds())
}

func TestFollowNotAllowed(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	b := dbtest.LocalAccount(t, store, "b", false)
	c := dbtest.LocalAccount(t, store, "c", false)
	remote := dbtest.RemoteAccount(t, store, "r", remoteBase, false)

	_, err := e.Follow(ctx, a, a)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed))

	_, err = e.Follow(ctx, remote, a)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed))

	_, err = e.Block(ctx, b, a)
	require.NoError(t, err)
	_, err = e.Follow(ctx, a, b)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed), "blocked by target")

	_, err = e.Block(ctx, a, c)
	require.NoError(t, err)
	_, err = e.Follow(ctx, a, c)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed), "blocking target")

	assert.False(t, hasFollow(t, store, a, b))
	assert.False(t, hasFollow(t, store, a, c))

	for _, op := range []func(context.Context, *domain.Account, *domain.Account) (*domain.Relationship, error){
		e.Unfollow, e.Block, e.Unblock, e.Unmute,
	} {
		_, err := op(ctx, a, a)
		assert.True(t, errors.Is(err, domain.ErrActionNotAllowed))
	}
	_, err = e.Mute(ctx, a, a, true, 0)
	assert.True(t, errors.Is(err, domain.ErrActionNotAllowed))
}

func TestBlockRemovesFollowsForGood(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	b := dbtest.LocalAccount(t, store, "b", false)

	_, err := e.Follow(ctx, a, b)
	require.NoError(t, err)
	_, err = e.Follow(ctx, b, a)
	require.NoError(t, err)

	rel, err := e.Block(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, rel.Blocking)
	assert.False(t, rel.Following)
	assert.False(t, rel.FollowedBy)
	assert.False(t, hasFollow(t, store, a, b))
	assert.False(t, hasFollow(t, store, b, a))

	rels, err := e.Views().Summarize(ctx, b, []uuid.UUID{a.Id})
	require.NoError(t, err)
	assert.True(t, rels[0].BlockedBy)

	_, err = e.Block(ctx, a, b)
	require.NoError(t, err)

	rel, err = e.Unblock(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, rel.Blocking)
	assert.False(t, rel.Following)
	assert.False(t, hasFollow(t, store, a, b))
	assert.False(t, hasFollow(t, store, b, a))

	rel, err = e.Unblock(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, domain.Relationship{Id: b.Id}, *rel)

	assert.Equal(t, []events.Kind{events.Followed, events.Followed, events.Blocked, events.Unblocked}, rec.Kinds())
}

func TestRemoteTargetsReceiveActivities(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	bob := dbtest.RemoteAccount(t, store, "bob", remoteBase, false)

	_, err := e.Follow(ctx, a, bob)
	require.NoError(t, err)
	sent := drain(t, store)
	require.Len(t, sent, 1)
	assert.Equal(t, bob.InboxURI, sent[0].Inbox)
	assert.Equal(t, "Follow", sent[0].Activity["type"])
	assert.Equal(t, bob.IRI, sent[0].Activity["object"])
	followId := sent[0].Activity["id"]

	follow, err := store.ReadFollow(ctx, a.Id, bob.Id)
	require.NoError(t, err)
	assert.Equal(t, followId, follow.URI)

	_, err = e.Unfollow(ctx, a, bob)
	require.NoError(t, err)
	sent = drain(t, store)
	require.Len(t, sent, 1)
	assert.Equal(t, "Undo", sent[0].Activity["type"])
	inner := sent[0].Activity["object"].(map[string]interface{})
	assert.Equal(t, "Follow", inner["type"])
	assert.Equal(t, followId, inner["id"])

	_, err = e.Block(ctx, a, bob)
	require.NoError(t, err)
	sent = drain(t, store)
	require.Len(t, sent, 1)
	assert.Equal(t, "Block", sent[0].Activity["type"])
	blockId := sent[0].Activity["id"]

	_, err = e.Unblock(ctx, a, bob)
	require.NoError(t, err)
	sent = drain(t, store)
	require.Len(t, sent, 1)
	assert.Equal(t, "Undo", sent[0].Activity["type"])
	inner = sent[0].Activity["object"].(map[string]interface{})
	assert.Equal(t, blockId, inner["id"])

	_, err = e.Mute(ctx, a, bob, true, 0)
	require.NoError(t, err)
	_, err = e.Unmute(ctx, a, bob)
	require.NoError(t, err)
	assert.Empty(t, drain(t, store), "mutes stay local")

	_, err = e.Unblock(ctx, a, bob)
	require.NoError(t, err)
	assert.Empty(t, drain(t, store), "nothing to undo")
}

func TestProtectedRemoteFollowIsResent(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	bob := dbtest.RemoteAccount(t, store, "bob", remoteBase, true)

	rel, err := e.Follow(ctx, a, bob)
	require.NoError(t, err)
	assert.True(t, rel.Requested)
	first := drain(t, store)
	require.Len(t, first, 1)

	_, err = e.Follow(ctx, a, bob)
	require.NoError(t, err)
	second := drain(t, store)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Activity["id"], second[0].Activity["id"])
}

type failingDispatcher struct{ calls int }

func (d *failingDispatcher) Dispatch(context.Context, *domain.Account, *domain.Account, map[string]interface{}) error {
	d.calls++
	return errors.New("queue unavailable")
}

func TestDispatchFailureKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	store := dbtest.Open(t)
	d := &failingDispatcher{}
	e := NewEngine(store, d, nil)
	a := dbtest.LocalAccount(t, store, "a", false)
	bob := dbtest.RemoteAccount(t, store, "bob", remoteBase, false)

	rel, err := e.Follow(ctx, a, bob)
	require.NoError(t, err)
	assert.True(t, rel.Following)
	assert.Equal(t, 1, d.calls)

	rel, err = e.Block(ctx, a, bob)
	require.NoError(t, err)
	assert.True(t, rel.Blocking)
	assert.Equal(t, 2, d.calls)
}

func TestMuteExpiry(t *testing.T) {
	ctx := context.Background()
	e, store, rec := newTestEngine(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	b := dbtest.LocalAccount(t, store, "b", false)

	rel, err := e.Mute(ctx, a, b, true, time.Hour)
	require.NoError(t, err)
	assert.True(t, rel.Muting)
	assert.True(t, rel.MutingNotifications)

	mute, err := store.ReadMute(ctx, a.Id, b.Id)
	require.NoError(t, err)
	require.NotNil(t, mute.ExpiresAt)
	assert.WithinDuration(t, mute.CreatedAt.Add(time.Hour), *mute.ExpiresAt, time.Millisecond)

	// a mute made two hours ago for one hour has lapsed
	e.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	rel, err = e.Mute(ctx, a, b, false, time.Hour)
	require.NoError(t, err)
	assert.False(t, rel.Muting)

	rel, err = e.Mute(ctx, a, b, false, 0)
	require.NoError(t, err)
	assert.True(t, rel.Muting, "indefinite mutes never lapse")
	assert.False(t, rel.MutingNotifications)

	e.now = time.Now
	rel, err = e.Unmute(ctx, a, b)
	require.NoError(t, err)
	assert.False(t, rel.Muting)

	_, err = e.Unmute(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.Muted, events.Muted, events.Muted, events.Unmuted}, rec.Kinds())
}

func TestSummarizeKeepsOrder(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	viewer := dbtest.LocalAccount(t, store, "viewer", false)
	followed := dbtest.LocalAccount(t, store, "followed", false)
	locked := dbtest.LocalAccount(t, store, "locked", true)
	muted := dbtest.LocalAccount(t, store, "muted", false)
	blocker := dbtest.LocalAccount(t, store, "blocker", false)

	_, err := e.Follow(ctx, viewer, followed)
	require.NoError(t, err)
	_, err = e.Follow(ctx, followed, viewer)
	require.NoError(t, err)
	_, err = e.Follow(ctx, viewer, locked)
	require.NoError(t, err)
	_, err = e.Mute(ctx, viewer, muted, false, 0)
	require.NoError(t, err)
	_, err = e.Block(ctx, blocker, viewer)
	require.NoError(t, err)

	unknown := uuid.New()
	ids := []uuid.UUID{blocker.Id, followed.Id, unknown, locked.Id, followed.Id, muted.Id}
	rels, err := e.Views().Summarize(ctx, viewer, ids)
	require.NoError(t, err)
	require.Len(t, rels, len(ids))
	for i, id := range ids {
		assert.Equal(t, id, rels[i].Id)
	}

	assert.True(t, rels[0].BlockedBy)
	assert.True(t, rels[1].Following)
	assert.True(t, rels[1].FollowedBy)
	assert.Equal(t, domain.Relationship{Id: unknown}, rels[2])
	assert.True(t, rels[3].Requested)
	assert.False(t, rels[3].Following)
	assert.Equal(t, rels[1], rels[4])
	assert.True(t, rels[5].Muting)
	assert.False(t, rels[5].MutingNotifications)

	empty, err := e.Views().Summarize(ctx, viewer, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
