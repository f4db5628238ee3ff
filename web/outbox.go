package web

import (
	"context"
	"net/http"
	"net/url"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const outboxPageSize = 20

// noteFor renders post of the local author with its mentions.
func (s *Server) noteFor(ctx context.Context, post *domain.Post, author *domain.Account) (*activitypub.Note, error) {
	var mentioned []*domain.Account
	if len(post.Mentions) > 0 {
		byId, err := s.db.ReadAccountsByIds(ctx, post.Mentions)
		if err != nil {
			return nil, err
		}
		for _, id := range post.Mentions {
			if acc, ok := byId[id]; ok {
				mentioned = append(mentioned, acc)
			}
		}
	}
	return activitypub.NewNote(post, author, mentioned, post.InReplyToIRI), nil
}

func outboxPageURL(outbox string, maxID *uuid.UUID) string {
	query := url.Values{"page": {"true"}}
	if maxID != nil {
		query.Set("max_id", maxID.String())
	}
	return outbox + "?" + query.Encode()
}

// handleOutbox serves the public posts of a local account. Without a page
// parameter only the collection summary is returned; pages are keyed by max_id.
func (s *Server) handleOutbox(c *gin.Context) {
	acc := s.localActor(c)
	if acc == nil {
		return
	}
	ctx := c.Request.Context()
	c.Header("Content-Type", contentTypeActivity)

	if c.Query("page") == "" {
		total, err := s.db.CountPostsByAccount(ctx, acc.Id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"@context":   activitypub.ContextActivityStreams,
			"id":         acc.OutboxURI,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      outboxPageURL(acc.OutboxURI, nil),
		})
		return
	}

	opts := visibility.Options{Limit: outboxPageSize}
	if raw := c.Query("max_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "invalid max_id")
			return
		}
		opts.MaxID = &id
	}

	page, err := s.filter.ListAccountPosts(ctx, nil, acc, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	items := make([]interface{}, 0, len(page.Posts))
	for i := range page.Posts {
		post := &page.Posts[i]
		// shares are not federated from here
		if post.SharingId != nil {
			continue
		}
		note, err := s.noteFor(ctx, post, acc)
		if err != nil {
			respondError(c, err)
			return
		}
		items = append(items, activitypub.NewCreate(acc, note))
	}

	collectionPage := gin.H{
		"@context":     activitypub.ContextActivityStreams,
		"id":           outboxPageURL(acc.OutboxURI, opts.MaxID),
		"type":         "OrderedCollectionPage",
		"partOf":       acc.OutboxURI,
		"orderedItems": items,
	}
	if page.NextMaxID != nil {
		collectionPage["next"] = outboxPageURL(acc.OutboxURI, page.NextMaxID)
	}
	c.JSON(http.StatusOK, collectionPage)
}
