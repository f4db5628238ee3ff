package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"go.uber.org/zap"
)

const maxInboxBody = 1 << 20

// InboundRelationships applies relationship transitions initiated by remote actors.
type InboundRelationships interface {
	HandleRemoteFollow(ctx context.Context, follower, target *domain.Account, followURI string) error
	HandleRemoteAccept(ctx context.Context, accepter *domain.Account, followURI, followerIRI string) error
	HandleRemoteReject(ctx context.Context, rejecter *domain.Account, followURI, followerIRI string) error
	HandleRemoteUndoFollow(ctx context.Context, follower *domain.Account, followURI, targetIRI string) error
	HandleRemoteBlock(ctx context.Context, blocker, target *domain.Account, blockURI string) error
	HandleRemoteUndoBlock(ctx context.Context, blocker *domain.Account, blockURI, targetIRI string) error
}

// ActorResolver materializes the remote actors that sign inbound activities.
type ActorResolver interface {
	ResolveIRI(ctx context.Context, iri string, viewer *domain.Account) (*domain.Account, error)
	Refresh(ctx context.Context, iri string) (*domain.Account, error)
}

// Activity represents a generic ActivityPub activity
type Activity struct {
	Context interface{}     `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

type embeddedObject struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// Inbox receives signed activities from remote servers.
type Inbox struct {
	db            *db.DB
	resolver      ActorResolver
	relationships InboundRelationships
}

func NewInbox(store *db.DB, resolver ActorResolver, relationships InboundRelationships) *Inbox {
	return &Inbox{db: store, resolver: resolver, relationships: relationships}
}

// HandleInbox processes an incoming activity. An empty username is the shared inbox.
func (in *Inbox) HandleInbox(w http.ResponseWriter, r *http.Request, username string) {
	ctx := r.Context()

	if username != "" {
		if _, err := in.localAccount(ctx, username); err != nil {
			http.Error(w, "Unknown account", http.StatusNotFound)
			return
		}
	}

	if r.Header.Get("Signature") == "" {
		logger.Debug("Inbox: missing HTTP signature")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil || activity.Type == "" || activity.Actor == "" {
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	actor, err := in.verify(r, body, activity.Actor)
	if err != nil {
		logger.Info("Inbox: rejected activity", zap.String("type", activity.Type),
			zap.String("actor", activity.Actor), zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	if activity.ID != "" {
		if _, err := in.db.ReadActivityByURI(ctx, activity.ID); err == nil {
			logger.Debug("Inbox: duplicate activity", zap.String("id", activity.ID))
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	record := &domain.Activity{
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    objectID(activity.Object),
		RawJSON:      string(body),
	}
	if err := in.db.CreateActivity(ctx, record); err != nil {
		logger.Warn("Inbox: failed to store activity", zap.Error(err))
	}

	logger.Info("Inbox: received activity", zap.String("type", activity.Type), zap.String("actor", actor.Handle()))

	if err := in.dispatch(ctx, actor, &activity, body); err != nil {
		logger.Warn("Inbox: failed to handle activity", zap.String("type", activity.Type), zap.Error(err))
		switch {
		case errors.Is(err, domain.ErrActionNotAllowed):
			http.Error(w, "Not allowed", http.StatusForbidden)
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "Unknown object", http.StatusNotFound)
		default:
			http.Error(w, "Failed to process activity", http.StatusInternalServerError)
		}
		return
	}

	if err := in.db.MarkActivityProcessed(ctx, record.Id); err != nil {
		logger.Warn("Inbox: failed to mark activity processed", zap.Error(err))
	}
	w.WriteHeader(http.StatusAccepted)
}

// verify checks the request signature against the key of the signing actor, which
// must be the actor of the activity.
func (in *Inbox) verify(r *http.Request, body []byte, actorIRI string) (*domain.Account, error) {
	keyId, err := KeyIdFromRequest(r)
	if err != nil {
		return nil, err
	}
	signerIRI := strings.Split(keyId, "#")[0]
	if signerIRI != actorIRI {
		return nil, fmt.Errorf("key %s does not belong to %s", keyId, actorIRI)
	}

	actor, err := in.resolver.ResolveIRI(r.Context(), signerIRI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch actor: %w", err)
	}
	if _, err := VerifyRequest(r, body, actor.PublicKeyPem); err != nil {
		// the key may have been rotated since the actor was cached
		refreshed, rerr := in.resolver.Refresh(r.Context(), signerIRI)
		if rerr != nil || refreshed.PublicKeyPem == actor.PublicKeyPem {
			return nil, err
		}
		if _, err := VerifyRequest(r, body, refreshed.PublicKeyPem); err != nil {
			return nil, err
		}
		actor = refreshed
	}
	if actor.IsLocal() {
		return nil, errors.New("local actors do not post to the inbox")
	}
	return actor, nil
}

func (in *Inbox) dispatch(ctx context.Context, actor *domain.Account, activity *Activity, body []byte) error {
	switch activity.Type {
	case domain.ActivityFollow:
		target, err := in.localAccountByIRI(ctx, objectID(activity.Object))
		if err != nil {
			return err
		}
		return in.relationships.HandleRemoteFollow(ctx, actor, target, activity.ID)

	case domain.ActivityAccept, domain.ActivityReject:
		follow := parseEmbedded(activity.Object)
		if activity.Type == domain.ActivityAccept {
			return in.relationships.HandleRemoteAccept(ctx, actor, follow.ID, follow.Actor)
		}
		return in.relationships.HandleRemoteReject(ctx, actor, follow.ID, follow.Actor)

	case domain.ActivityBlock:
		target, err := in.localAccountByIRI(ctx, objectID(activity.Object))
		if err != nil {
			return err
		}
		return in.relationships.HandleRemoteBlock(ctx, actor, target, activity.ID)

	case domain.ActivityUndo:
		inner := parseEmbedded(activity.Object)
		switch inner.Type {
		case domain.ActivityFollow:
			return in.relationships.HandleRemoteUndoFollow(ctx, actor, inner.ID, objectID(inner.Object))
		case domain.ActivityBlock:
			return in.relationships.HandleRemoteUndoBlock(ctx, actor, inner.ID, objectID(inner.Object))
		case domain.ActivityAnnounce:
			_, err := in.db.DeletePostByIRI(ctx, inner.ID, actor.Id)
			return err
		}
		if inner.Type == "" && inner.ID != "" {
			// bare reference: look the original up in the activity log
			return in.undoByReference(ctx, actor, inner.ID)
		}
		logger.Debug("Inbox: unsupported Undo object", zap.String("type", inner.Type))
		return nil

	case domain.ActivityCreate:
		var note Note
		if err := json.Unmarshal(activity.Object, &note); err != nil || note.ID == "" {
			return fmt.Errorf("create without inline object")
		}
		if !IsPostType(note.Type) {
			logger.Debug("Inbox: unsupported Create object", zap.String("type", note.Type))
			return nil
		}
		_, err := SaveNote(ctx, in.db, actor, &note)
		return err

	case domain.ActivityAnnounce:
		_, err := SaveAnnounce(ctx, in.db, actor, body)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug("Inbox: Announce of unknown post", zap.String("id", activity.ID))
			return nil
		}
		return err

	case domain.ActivityUpdate:
		obj := parseEmbedded(activity.Object)
		if domain.IsActorType(obj.Type) && obj.ID == actor.IRI {
			_, err := in.resolver.Refresh(ctx, actor.IRI)
			return err
		}
		return nil

	case domain.ActivityDelete:
		objectURI := objectID(activity.Object)
		if objectURI == actor.IRI {
			logger.Info("Inbox: actor deleted", zap.String("actor", actor.IRI))
			return in.db.DeleteAccount(ctx, actor.Id)
		}
		_, err := in.db.DeletePostByIRI(ctx, objectURI, actor.Id)
		return err
	}

	logger.Debug("Inbox: unsupported activity type", zap.String("type", activity.Type))
	return nil
}

func (in *Inbox) undoByReference(ctx context.Context, actor *domain.Account, uri string) error {
	original, err := in.db.ReadActivityByURI(ctx, uri)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if original.ActorURI != actor.IRI {
		return fmt.Errorf("%w: undo of another actor's activity", domain.ErrActionNotAllowed)
	}
	switch original.ActivityType {
	case domain.ActivityFollow:
		return in.relationships.HandleRemoteUndoFollow(ctx, actor, uri, original.ObjectURI)
	case domain.ActivityBlock:
		return in.relationships.HandleRemoteUndoBlock(ctx, actor, uri, original.ObjectURI)
	case domain.ActivityAnnounce:
		_, err := in.db.DeletePostByIRI(ctx, uri, actor.Id)
		return err
	}
	return nil
}

func (in *Inbox) localAccount(ctx context.Context, username string) (*domain.Account, error) {
	return in.db.ReadLocalAccount(ctx, username)
}

func (in *Inbox) localAccountByIRI(ctx context.Context, iri string) (*domain.Account, error) {
	acc, err := in.db.ReadAccountByIRI(ctx, iri)
	if err != nil {
		return nil, err
	}
	if !acc.IsLocal() {
		return nil, fmt.Errorf("%w: %s is not hosted here", domain.ErrNotFound, iri)
	}
	return acc, nil
}

// parseEmbedded reads an object that may be inlined or a bare IRI.
func parseEmbedded(raw json.RawMessage) embeddedObject {
	var obj embeddedObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		obj.ID = objectID(raw)
	}
	return obj
}
