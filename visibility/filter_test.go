package visibility

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/relationship"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *db.DB
	engine *relationship.Engine
	filter *Filter
}

func newFixture(t *testing.T) *fixture {
	store := dbtest.Open(t)
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		engine: relationship.NewEngine(store, nil, nil),
		filter: NewFilter(store, nil, 0),
	}
}

func (f *fixture) post(author *domain.Account, vis domain.Visibility, minute int, edit ...func(*domain.Post)) *domain.Post {
	f.t.Helper()
	p := &domain.Post{
		AccountId:  author.Id,
		IRI:        fmt.Sprintf("%s/posts/%s", author.IRI, uuid.NewString()),
		Content:    fmt.Sprintf("%s at %d", vis, minute),
		Visibility: vis,
		Published:  clock.Add(time.Duration(minute) * time.Minute),
	}
	for _, fn := range edit {
		fn(p)
	}
	created, err := f.store.CreatePost(f.ctx, p)
	require.NoError(f.t, err)
	require.True(f.t, created)
	return p
}

func (f *fixture) visible(viewer, target *domain.Account, opts Options) []uuid.UUID {
	f.t.Helper()
	opts.Limit = MaxLimit
	page, err := f.filter.ListAccountPosts(f.ctx, viewer, target, opts)
	require.NoError(f.t, err)
	return postIds(page.Posts)
}

func postIds(posts []domain.Post) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.Id)
	}
	return ids
}

func TestBlocksHideBothWays(t *testing.T) {
	f := newFixture(t)
	a := dbtest.LocalAccount(t, f.store, "a", false)
	b := dbtest.LocalAccount(t, f.store, "b", false)

	_, err := f.engine.Follow(f.ctx, a, b)
	require.NoError(t, err)
	_, err = f.engine.Follow(f.ctx, b, a)
	require.NoError(t, err)

	mentionA := func(p *domain.Post) { p.Mentions = []uuid.UUID{a.Id} }
	mentionB := func(p *domain.Post) { p.Mentions = []uuid.UUID{b.Id} }
	for i, vis := range []domain.Visibility{domain.VisibilityPublic, domain.VisibilityUnlisted, domain.VisibilityPrivate} {
		f.post(a, vis, i)
		f.post(b, vis, i)
	}
	f.post(a, domain.VisibilityDirect, 10, mentionB)
	f.post(b, domain.VisibilityDirect, 10, mentionA)

	assert.Len(t, f.visible(a, b, Options{}), 4)
	assert.Len(t, f.visible(b, a, Options{}), 4)

	_, err = f.engine.Block(f.ctx, a, b)
	require.NoError(t, err)

	assert.Empty(t, f.visible(a, b, Options{}))
	assert.Empty(t, f.visible(b, a, Options{}))

	pred, err := f.filter.BuildPredicate(f.ctx, b, a.Id, Options{})
	require.NoError(t, err)
	assert.True(t, pred.Empty(), "the blocker's posts short-circuit")

	pred, err = f.filter.BuildPredicate(f.ctx, a, b.Id, Options{})
	require.NoError(t, err)
	assert.False(t, pred.Empty())

	assert.Len(t, f.visible(nil, b, Options{}), 2, "anonymous viewers are not affected")
}

func TestPrivatePostsNeedApprovedFollow(t *testing.T) {
	f := newFixture(t)
	x := dbtest.LocalAccount(t, f.store, "x", true)
	y := dbtest.LocalAccount(t, f.store, "y", false)

	public := f.post(x, domain.VisibilityPublic, 0)
	unlisted := f.post(x, domain.VisibilityUnlisted, 1)
	private := f.post(x, domain.VisibilityPrivate, 2)

	rel, err := f.engine.Follow(f.ctx, y, x)
	require.NoError(t, err)
	require.True(t, rel.Requested)
	assert.Equal(t, []uuid.UUID{unlisted.Id, public.Id}, f.visible(y, x, Options{}), "pending follows grant nothing")

	_, err = f.engine.AcceptFollow(f.ctx, x, y)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{private.Id, unlisted.Id, public.Id}, f.visible(y, x, Options{}))

	assert.Equal(t, []uuid.UUID{private.Id, unlisted.Id, public.Id}, f.visible(x, x, Options{}), "authors see their own posts")
	assert.Equal(t, []uuid.UUID{unlisted.Id, public.Id}, f.visible(nil, x, Options{}))

	_, err = f.engine.Unfollow(f.ctx, y, x)
	require.NoError(t, err)
	assert.NotContains(t, f.visible(y, x, Options{}), private.Id)
}

func TestDirectPostsNeedMention(t *testing.T) {
	f := newFixture(t)
	author := dbtest.LocalAccount(t, f.store, "author", false)
	mentioned := dbtest.LocalAccount(t, f.store, "mentioned", false)
	follower := dbtest.LocalAccount(t, f.store, "follower", false)

	_, err := f.engine.Follow(f.ctx, follower, author)
	require.NoError(t, err)
	direct := f.post(author, domain.VisibilityDirect, 0, func(p *domain.Post) { p.Mentions = []uuid.UUID{mentioned.Id} })

	assert.Equal(t, []uuid.UUID{direct.Id}, f.visible(mentioned, author, Options{}))
	assert.Equal(t, []uuid.UUID{direct.Id}, f.visible(author, author, Options{}))
	assert.Empty(t, f.visible(follower, author, Options{}))
	assert.Empty(t, f.visible(nil, author, Options{}))
}

func TestMuteHidesPostsAndShares(t *testing.T) {
	f := newFixture(t)
	viewer := dbtest.LocalAccount(t, f.store, "viewer", false)
	bob := dbtest.LocalAccount(t, f.store, "bob", false)
	carol := dbtest.LocalAccount(t, f.store, "carol", false)
	dave := dbtest.LocalAccount(t, f.store, "dave", false)

	original := f.post(bob, domain.VisibilityPublic, 0)
	own := f.post(carol, domain.VisibilityPublic, 1)
	share := f.post(carol, domain.VisibilityPublic, 2, func(p *domain.Post) { p.SharingId = &original.Id })
	daves := f.post(dave, domain.VisibilityPublic, 3)
	shareOfDave := f.post(carol, domain.VisibilityPublic, 4, func(p *domain.Post) { p.SharingId = &daves.Id })

	all := []uuid.UUID{shareOfDave.Id, share.Id, own.Id}
	assert.Equal(t, all, f.visible(viewer, carol, Options{}))

	_, err := f.engine.Mute(f.ctx, viewer, bob, true, 0)
	require.NoError(t, err)
	assert.Empty(t, f.visible(viewer, bob, Options{}))
	assert.Equal(t, []uuid.UUID{shareOfDave.Id, own.Id}, f.visible(viewer, carol, Options{}))
	assert.Equal(t, all, f.visible(dave, carol, Options{}), "mutes are per viewer")

	_, err = f.engine.Unmute(f.ctx, viewer, bob)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{original.Id}, f.visible(viewer, bob, Options{}))
	assert.Equal(t, all, f.visible(viewer, carol, Options{}))

	// shares of blocked and blocking authors go too
	_, err = f.engine.Block(f.ctx, dave, viewer)
	require.NoError(t, err)
	_, err = f.engine.Block(f.ctx, viewer, bob)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{own.Id}, f.visible(viewer, carol, Options{}))
}

func TestMuteExpiry(t *testing.T) {
	f := newFixture(t)
	viewer := dbtest.LocalAccount(t, f.store, "viewer", false)
	bob := dbtest.LocalAccount(t, f.store, "bob", false)
	p := f.post(bob, domain.VisibilityPublic, 0)

	mute := func(created time.Time, d time.Duration) {
		require.NoError(t, f.store.Update(f.ctx, func(tx *db.Tx) error {
			return tx.UpsertMute(f.ctx, domain.NewMute(viewer.Id, bob.Id, true, d, created))
		}))
	}

	mute(time.Now().Add(-2*time.Hour), time.Hour)
	assert.Equal(t, []uuid.UUID{p.Id}, f.visible(viewer, bob, Options{}), "lapsed")

	mute(time.Now(), time.Hour)
	assert.Empty(t, f.visible(viewer, bob, Options{}))

	f.filter.now = func() time.Time { return time.Now().Add(61 * time.Minute) }
	assert.Equal(t, []uuid.UUID{p.Id}, f.visible(viewer, bob, Options{}))

	mute(time.Now().Add(-24*365*time.Hour), 0)
	assert.Empty(t, f.visible(viewer, bob, Options{}), "indefinite")
}

func TestPaginationEnumeratesEverything(t *testing.T) {
	f := newFixture(t)
	viewer := dbtest.LocalAccount(t, f.store, "viewer", false)
	author := dbtest.LocalAccount(t, f.store, "author", false)

	var want []uuid.UUID
	for i := 0; i < 7; i++ {
		want = append(want, f.post(author, domain.VisibilityPublic, i).Id)
	}
	// two posts in the same millisecond
	want = append(want, f.post(author, domain.VisibilityPublic, 6).Id)
	f.post(author, domain.VisibilityPrivate, 3)

	var (
		got   []uuid.UUID
		opts  = Options{Limit: 3}
		pages int
	)
	for {
		page, err := f.filter.ListAccountPosts(f.ctx, viewer, author, opts)
		require.NoError(t, err)
		pages++
		require.LessOrEqual(t, len(page.Posts), 3)
		got = append(got, postIds(page.Posts)...)
		if page.NextMaxID == nil {
			break
		}
		assert.Equal(t, page.Posts[len(page.Posts)-1].Id, *page.NextMaxID)
		opts.MaxID = page.NextMaxID
	}
	assert.Equal(t, 3, pages)
	assert.ElementsMatch(t, want, got)
	seen := map[uuid.UUID]bool{}
	for _, id := range got {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].String() > got[i].String(), "newest first")
	}

	newer, err := f.filter.ListAccountPosts(f.ctx, viewer, author, Options{MinID: &got[2]})
	require.NoError(t, err)
	assert.Equal(t, got[:2], postIds(newer.Posts))
}

func TestMinIDPagesUpFromTheCursor(t *testing.T) {
	f := newFixture(t)
	author := dbtest.LocalAccount(t, f.store, "author", false)

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, f.post(author, domain.VisibilityPublic, i).Id)
	}

	page, err := f.filter.ListAccountPosts(f.ctx, nil, author, Options{MinID: &ids[0], Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[2], ids[1]}, postIds(page.Posts), "the posts right above min_id, newest first")
	require.NotNil(t, page.NextMaxID)
	assert.Equal(t, ids[1], *page.NextMaxID)

	page, err = f.filter.ListAccountPosts(f.ctx, nil, author, Options{MinID: &ids[2], Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[4], ids[3]}, postIds(page.Posts))

	page, err = f.filter.ListAccountPosts(f.ctx, nil, author, Options{MinID: &ids[1], MaxID: &ids[5], Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ids[4], ids[3]}, postIds(page.Posts), "with max_id the window is newest first")
}

func TestListingOptions(t *testing.T) {
	f := newFixture(t)
	author := dbtest.LocalAccount(t, f.store, "author", false)

	plain := f.post(author, domain.VisibilityPublic, 0, func(p *domain.Post) { p.Tags = []string{"golang"} })
	media := f.post(author, domain.VisibilityPublic, 1, func(p *domain.Post) {
		p.Attachments = []domain.Attachment{{URL: "https://home.example/media/1.png", MediaType: "image/png"}}
	})
	reply := f.post(author, domain.VisibilityPublic, 2, func(p *domain.Post) { p.ReplyTargetId = &plain.Id })
	remoteReply := f.post(author, domain.VisibilityPublic, 3, func(p *domain.Post) { p.InReplyToIRI = "https://remote.example/posts/1" })
	require.NoError(t, f.store.PinPost(f.ctx, author.Id, media.Id))

	assert.Equal(t, []uuid.UUID{media.Id}, f.visible(nil, author, Options{OnlyMedia: true}))
	assert.Equal(t, []uuid.UUID{media.Id, plain.Id}, f.visible(nil, author, Options{ExcludeReplies: true}))
	assert.Equal(t, []uuid.UUID{media.Id}, f.visible(nil, author, Options{Pinned: true}))
	assert.Equal(t, []uuid.UUID{plain.Id}, f.visible(nil, author, Options{Tagged: "#GoLang"}))
	assert.Empty(t, f.visible(nil, author, Options{Tagged: "rust"}))
	assert.Equal(t, []uuid.UUID{remoteReply.Id, reply.Id, media.Id, plain.Id}, f.visible(nil, author, Options{}))
	assert.Empty(t, f.visible(nil, author, Options{OnlyMedia: true, ExcludeReplies: true, Tagged: "golang"}))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, clampLimit(0))
	assert.Equal(t, DefaultLimit, clampLimit(-5))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxLimit, clampLimit(500))
}

type fakeBackfiller struct {
	mu    sync.Mutex
	calls int
	run   func()
	block bool
}

func (b *fakeBackfiller) NeedsBackfill(_ context.Context, acc *domain.Account) bool {
	return !acc.IsLocal()
}

func (b *fakeBackfiller) BackfillAsync(acc, viewer *domain.Account) <-chan struct{} {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	done := make(chan struct{})
	if b.block {
		return done
	}
	go func() {
		defer close(done)
		if b.run != nil {
			b.run()
		}
	}()
	return done
}

func TestListingWaitsForBackfill(t *testing.T) {
	f := newFixture(t)
	viewer := dbtest.LocalAccount(t, f.store, "viewer", false)
	remote := dbtest.RemoteAccount(t, f.store, "alice", "https://remote.example", false)

	backfiller := &fakeBackfiller{run: func() { f.post(remote, domain.VisibilityPublic, 0) }}
	f.filter = NewFilter(f.store, backfiller, 5*time.Second)

	assert.Len(t, f.visible(viewer, remote, Options{}), 1)
	assert.Equal(t, 1, backfiller.calls)

	f.visible(viewer, viewer, Options{})
	assert.Equal(t, 1, backfiller.calls, "local accounts are never backfilled")
}

func TestListingDoesNotWaitForever(t *testing.T) {
	f := newFixture(t)
	remote := dbtest.RemoteAccount(t, f.store, "alice", "https://remote.example", false)
	known := f.post(remote, domain.VisibilityPublic, 0)

	f.filter = NewFilter(f.store, &fakeBackfiller{block: true}, 20*time.Millisecond)
	start := time.Now()
	assert.Equal(t, []uuid.UUID{known.Id}, f.visible(nil, remote, Options{}))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReadPost(t *testing.T) {
	f := newFixture(t)
	a := dbtest.LocalAccount(t, f.store, "a", false)
	b := dbtest.LocalAccount(t, f.store, "b", false)

	public := f.post(a, domain.VisibilityPublic, 1)
	private := f.post(a, domain.VisibilityPrivate, 2)

	got, err := f.filter.ReadPost(f.ctx, nil, public.Id)
	require.NoError(t, err)
	assert.Equal(t, public.IRI, got.IRI)

	_, err = f.filter.ReadPost(f.ctx, nil, private.Id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.filter.ReadPost(f.ctx, b, private.Id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err = f.filter.ReadPost(f.ctx, a, private.Id)
	require.NoError(t, err)
	assert.Equal(t, private.Id, got.Id)

	_, err = f.engine.Block(f.ctx, a, b)
	require.NoError(t, err)
	_, err = f.filter.ReadPost(f.ctx, b, public.Id)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.filter.ReadPost(f.ctx, nil, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
