package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLocalAccountRoundTrip(t *testing.T) {
	store := dbtest.Open(t)
	ctx := context.Background()

	alice := dbtest.LocalAccount(t, store, "alice", true)

	got, err := store.ReadAccountById(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, dbtest.LocalDomain, got.Domain)
	assert.True(t, got.Protected)
	require.NotNil(t, got.Owner)
	assert.True(t, got.IsLocal())
	assert.Equal(t, domain.VisibilityPublic, got.Owner.DefaultVisibility)
	assert.NotEmpty(t, got.Owner.PrivateKeyPem)
	assert.Empty(t, got.Owner.Fields)

	byHandle, err := store.ReadAccountByHandle(ctx, "ALICE", "Home.Example")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, byHandle.Id)

	byIRI, err := store.ReadAccountByIRI(ctx, alice.IRI)
	require.NoError(t, err)
	assert.Equal(t, alice.Id, byIRI.Id)
}

func TestReadAccountNotFound(t *testing.T) {
	store := dbtest.Open(t)

	_, err := store.ReadAccountById(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = store.ReadAccountByHandle(context.Background(), "nobody", "nowhere.example")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpsertRemoteAccountIsIdempotent(t *testing.T) {
	store := dbtest.Open(t)
	ctx := context.Background()

	acc := &domain.Account{
		Username:    "bob",
		Domain:      "remote.example",
		IRI:         "https://remote.example/users/bob",
		InboxURI:    "https://remote.example/users/bob/inbox",
		DisplayName: "Bob",
		ActorType:   domain.ActorPerson,
	}
	first, created, err := store.UpsertRemoteAccount(ctx, acc)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, first.Owner)
	require.NotNil(t, first.LastFetchedAt)

	again := &domain.Account{
		Username:    "bob",
		Domain:      "remote.example",
		IRI:         "https://remote.example/users/bob",
		InboxURI:    "https://remote.example/users/bob/inbox",
		DisplayName: "Bobby",
		Protected:   true,
	}
	second, created, err := store.UpsertRemoteAccount(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, "Bobby", second.DisplayName)
	assert.True(t, second.Protected)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)
}

func TestSetAccountDomainSurvivesRefresh(t *testing.T) {
	store := dbtest.Open(t)
	ctx := context.Background()

	actor := func() *domain.Account {
		return &domain.Account{
			Username:  "alice",
			Domain:    "social.example.com",
			IRI:       "https://social.example.com/users/alice",
			InboxURI:  "https://social.example.com/users/alice/inbox",
			ActorType: domain.ActorPerson,
		}
	}
	acc, _, err := store.UpsertRemoteAccount(ctx, actor())
	require.NoError(t, err)

	require.NoError(t, store.SetAccountDomain(ctx, acc.Id, "Example.com"))
	byHandle, err := store.ReadAccountByHandle(ctx, "alice", "example.com")
	require.NoError(t, err)
	assert.Equal(t, acc.Id, byHandle.Id)

	refreshed, created, err := store.UpsertRemoteAccount(ctx, actor())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "example.com", refreshed.Domain)

	assert.ErrorIs(t, store.SetAccountDomain(ctx, uuid.New(), "example.com"), domain.ErrNotFound)
}

func TestSearchAccountsLocalFirst(t *testing.T) {
	store := dbtest.Open(t)
	ctx := context.Background()

	dbtest.RemoteAccount(t, store, "carla", "https://remote.example", false)
	dbtest.LocalAccount(t, store, "carl", false)
	dbtest.LocalAccount(t, store, "dave", false)

	found, err := store.SearchAccounts(ctx, "car", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "carl", found[0].Username)
	assert.Equal(t, "carla", found[1].Username)

	none, err := store.SearchAccounts(ctx, "%", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReadAccountsByIds(t *testing.T) {
	store := dbtest.Open(t)
	a := dbtest.LocalAccount(t, store, "a", false)
	b := dbtest.RemoteAccount(t, store, "b", "https://remote.example", false)

	got, err := store.ReadAccountsByIds(context.Background(), []uuid.UUID{a.Id, b.Id, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got[a.Id].IsLocal())
	assert.False(t, got[b.Id].IsLocal())
}

func TestSetSuccessor(t *testing.T) {
	store := dbtest.Open(t)
	ctx := context.Background()
	old := dbtest.RemoteAccount(t, store, "old", "https://remote.example", false)
	moved := dbtest.RemoteAccount(t, store, "new", "https://other.example", false)

	require.NoError(t, store.SetSuccessor(ctx, old.Id, moved.Id))

	got, err := store.ReadAccountById(ctx, old.Id)
	require.NoError(t, err)
	require.NotNil(t, got.SuccessorId)
	assert.Equal(t, moved.Id, *got.SuccessorId)

	assert.ErrorIs(t, store.SetSuccessor(ctx, uuid.New(), moved.Id), domain.ErrNotFound)
}
