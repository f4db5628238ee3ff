// Package dbtest provides a throwaway store and account fixtures for tests.
package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const LocalDomain = "home.example"

var (
	keyOnce sync.Once
	keys    *util.RsaKeyPair
	keyErr  error
)

// Keys returns one key pair shared by every fixture account in the test binary.
func Keys(t testing.TB) *util.RsaKeyPair {
	t.Helper()
	keyOnce.Do(func() {
		old := util.RsaKeyBits
		util.RsaKeyBits = 2048
		keys, keyErr = util.GeneratePemKeypair()
		util.RsaKeyBits = old
	})
	require.NoError(t, keyErr)
	return keys
}

// Open returns a migrated store in a temporary directory, closed on cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// LocalAccount creates an account hosted on LocalDomain.
func LocalAccount(t testing.TB, store *db.DB, username string, protected bool) *domain.Account {
	t.Helper()
	k := Keys(t)
	base := fmt.Sprintf("https://%s/users/%s", LocalDomain, username)
	acc := &domain.Account{
		Id:           uuid.New(),
		Username:     username,
		Domain:       LocalDomain,
		IRI:          base,
		URL:          fmt.Sprintf("https://%s/@%s", LocalDomain, username),
		InboxURI:     base + "/inbox",
		OutboxURI:    base + "/outbox",
		FollowersURI: base + "/followers",
		DisplayName:  username,
		PublicKeyPem: k.Public,
		ActorType:    domain.ActorPerson,
		Protected:    protected,
		Owner: &domain.AccountOwner{
			PrivateKeyPem:     k.Private,
			DefaultVisibility: domain.VisibilityPublic,
			DefaultLanguage:   "en",
		},
	}
	require.NoError(t, store.CreateLocalAccount(context.Background(), acc))
	return acc
}

// RemoteAccount materializes a remote actor whose endpoints live under baseURL.
func RemoteAccount(t testing.TB, store *db.DB, username, baseURL string, protected bool) *domain.Account {
	t.Helper()
	iri := fmt.Sprintf("%s/users/%s", baseURL, username)
	acc := &domain.Account{
		Username:     username,
		Domain:       hostOf(baseURL),
		IRI:          iri,
		URL:          iri,
		InboxURI:     iri + "/inbox",
		OutboxURI:    iri + "/outbox",
		PublicKeyPem: Keys(t).Public,
		ActorType:    domain.ActorPerson,
		Protected:    protected,
	}
	stored, _, err := store.UpsertRemoteAccount(context.Background(), acc)
	require.NoError(t, err)
	return stored
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return baseURL
	}
	return u.Host
}
