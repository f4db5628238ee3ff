package web

import (
	"fmt"
	"net/http"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// localActor loads the local account named by the :actor path parameter.
func (s *Server) localActor(c *gin.Context) *domain.Account {
	acc, err := s.db.ReadLocalAccount(c.Request.Context(), c.Param("actor"))
	if err != nil {
		respondError(c, err)
		return nil
	}
	return acc
}

func (s *Server) handleActor(c *gin.Context) {
	acc := s.localActor(c)
	if acc == nil {
		return
	}
	c.Header("Content-Type", contentTypeActivity)
	c.JSON(http.StatusOK, activitypub.NewActorResponse(acc, s.baseURL()+"/inbox"))
}

// countCollection answers with an OrderedCollection that only reveals its size.
func countCollection(c *gin.Context, id string, total int) {
	c.Header("Content-Type", contentTypeActivity)
	c.JSON(http.StatusOK, gin.H{
		"@context":   activitypub.ContextActivityStreams,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
	})
}

func (s *Server) handleFollowersCollection(c *gin.Context) {
	acc := s.localActor(c)
	if acc == nil {
		return
	}
	total, err := s.db.CountFollowers(c.Request.Context(), acc.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	countCollection(c, acc.FollowersURI, total)
}

func (s *Server) handleFollowingCollection(c *gin.Context) {
	acc := s.localActor(c)
	if acc == nil {
		return
	}
	total, err := s.db.CountFollowing(c.Request.Context(), acc.Id)
	if err != nil {
		respondError(c, err)
		return
	}
	countCollection(c, acc.IRI+"/following", total)
}

// handleNote serves a local post as an object to anonymous fetchers, so only
// public and unlisted posts are found.
func (s *Server) handleNote(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, fmt.Errorf("%w: post %q", domain.ErrNotFound, c.Param("id")))
		return
	}
	post, err := s.filter.ReadPost(ctx, nil, id)
	if err != nil {
		respondError(c, err)
		return
	}
	author, err := s.db.ReadAccountById(ctx, post.AccountId)
	if err != nil {
		respondError(c, err)
		return
	}
	if !author.IsLocal() {
		respondError(c, fmt.Errorf("%w: post %s is not hosted here", domain.ErrNotFound, id))
		return
	}
	note, err := s.noteFor(ctx, post, author)
	if err != nil {
		respondError(c, err)
		return
	}
	note.Context = activitypub.ContextActivityStreams
	c.Header("Content-Type", contentTypeActivity)
	c.JSON(http.StatusOK, note)
}
