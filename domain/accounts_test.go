package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAccountHandleAndAcct(t *testing.T) {
	local := &Account{Username: "alice", Domain: "home.example", Owner: &AccountOwner{}}
	remote := &Account{Username: "bob", Domain: "remote.example"}

	if local.Handle() != "@alice@home.example" {
		t.Errorf("Expected handle '@alice@home.example', got '%s'", local.Handle())
	}
	if local.Acct() != "alice" {
		t.Errorf("Expected local acct 'alice', got '%s'", local.Acct())
	}
	if remote.Acct() != "bob@remote.example" {
		t.Errorf("Expected remote acct 'bob@remote.example', got '%s'", remote.Acct())
	}
	if !local.IsLocal() || remote.IsLocal() {
		t.Error("Locality must follow presence of the owner extension")
	}
}

func TestAccountDeliveryInbox(t *testing.T) {
	acc := &Account{InboxURI: "https://r.example/users/bob/inbox"}
	if acc.DeliveryInbox() != acc.InboxURI {
		t.Errorf("Expected personal inbox, got '%s'", acc.DeliveryInbox())
	}

	acc.SharedInboxURI = "https://r.example/inbox"
	if acc.DeliveryInbox() != "https://r.example/inbox" {
		t.Errorf("Expected shared inbox, got '%s'", acc.DeliveryInbox())
	}
}

func TestAccountToString(t *testing.T) {
	id := uuid.New()
	acc := &Account{Id: id, Username: "testuser", Domain: "example.com", CreatedAt: time.Now()}

	result := acc.ToString()
	if !strings.Contains(result, "@testuser@example.com") {
		t.Errorf("ToString() should contain handle, got: %s", result)
	}
	if !strings.Contains(result, id.String()) {
		t.Errorf("ToString() should contain ID, got: %s", result)
	}
}

func TestIsActorType(t *testing.T) {
	for _, typ := range []string{"Person", "Service", "Group", "Organization", "Application"} {
		if !IsActorType(typ) {
			t.Errorf("Expected %s to be an actor type", typ)
		}
	}
	for _, typ := range []string{"Note", "Collection", ""} {
		if IsActorType(typ) {
			t.Errorf("Expected %q not to be an actor type", typ)
		}
	}
}
