package activitypub

import (
	"encoding/json"
	"fmt"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

// ActivityID mints a new activity IRI on the host of actor.
func ActivityID(actor *domain.Account) string {
	return localObjectIRI(actor.IRI, "activities", uuid.New())
}

// PostIRI is the IRI of a post authored by a local account.
func PostIRI(author *domain.Account, id uuid.UUID) string {
	return localObjectIRI(author.IRI, "posts", id)
}

// NewFollow builds a Follow of target by actor with the given activity id.
func NewFollow(id string, actor, target *domain.Account) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     domain.ActivityFollow,
		"actor":    actor.IRI,
		"object":   target.IRI,
	}
}

// NewBlock builds a Block of target by actor.
func NewBlock(id string, actor, target *domain.Account) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       id,
		"type":     domain.ActivityBlock,
		"actor":    actor.IRI,
		"object":   target.IRI,
	}
}

// NewUndo wraps a previously sent activity of actor.
func NewUndo(actor *domain.Account, object map[string]interface{}) map[string]interface{} {
	inner := make(map[string]interface{}, len(object))
	for k, v := range object {
		if k != "@context" {
			inner[k] = v
		}
	}
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       ActivityID(actor),
		"type":     domain.ActivityUndo,
		"actor":    actor.IRI,
		"object":   inner,
	}
}

// NewAccept answers the Follow followId of follower towards the local owner.
func NewAccept(owner, follower *domain.Account, followId string) map[string]interface{} {
	return newFollowResponse(domain.ActivityAccept, owner, follower, followId)
}

// NewReject refuses the Follow followId of follower towards the local owner.
func NewReject(owner, follower *domain.Account, followId string) map[string]interface{} {
	return newFollowResponse(domain.ActivityReject, owner, follower, followId)
}

func newFollowResponse(kind string, owner, follower *domain.Account, followId string) map[string]interface{} {
	return map[string]interface{}{
		"@context": ContextActivityStreams,
		"id":       ActivityID(owner),
		"type":     kind,
		"actor":    owner.IRI,
		"object": map[string]interface{}{
			"id":     followId,
			"type":   domain.ActivityFollow,
			"actor":  follower.IRI,
			"object": owner.IRI,
		},
	}
}

// NewCreate wraps note in a Create addressed like the note itself.
func NewCreate(actor *domain.Account, note *Note) map[string]interface{} {
	create := map[string]interface{}{
		"@context":  ContextActivityStreams,
		"id":        note.ID + "/activity",
		"type":      domain.ActivityCreate,
		"actor":     actor.IRI,
		"published": note.Published,
		"to":        note.To,
		"object":    note,
	}
	if len(note.Cc) > 0 {
		create["cc"] = note.Cc
	}
	return create
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}
