package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([\w.-]+(?:@[\w-]+(?:\.[\w-]+)+)?)`)

type statusRequest struct {
	Status      string `form:"status" json:"status"`
	Visibility  string `form:"visibility" json:"visibility"`
	InReplyToId string `form:"in_reply_to_id" json:"in_reply_to_id"`
	SpoilerText string `form:"spoiler_text" json:"spoiler_text"`
	Sensitive   bool   `form:"sensitive" json:"sensitive"`
	Language    string `form:"language" json:"language"`
}

func (s *Server) respondStatus(c *gin.Context, post *domain.Post) {
	rendered, err := s.renderStatuses(c.Request.Context(), []domain.Post{*post})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rendered[0])
}

func (s *Server) handleCreateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Validation failed: Text can't be blank"})
		return
	}

	ctx := c.Request.Context()
	author := viewerOf(c)
	vis := author.Owner.DefaultVisibility
	if req.Visibility != "" {
		v, ok := domain.ParseVisibility(req.Visibility)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "Validation failed: Visibility is not included in the list"})
			return
		}
		vis = v
	}
	if vis == "" {
		vis = domain.VisibilityPublic
	}

	published := domain.PostTime(time.Now())
	id := domain.NewPostID(published)
	post := &domain.Post{
		Id:             id,
		AccountId:      author.Id,
		IRI:            activitypub.PostIRI(author, id),
		Content:        util.RenderPlainText(req.Status),
		Visibility:     vis,
		Sensitive:      req.Sensitive || req.SpoilerText != "",
		ContentWarning: req.SpoilerText,
		Language:       req.Language,
		Published:      published,
		Tags:           util.ExtractHashtags(req.Status),
	}
	post.URL = post.IRI
	if post.Language == "" {
		post.Language = author.Owner.DefaultLanguage
	}

	if req.InReplyToId != "" {
		parentId, err := uuid.Parse(req.InReplyToId)
		if err != nil {
			respondError(c, fmt.Errorf("%w: status %q", domain.ErrNotFound, req.InReplyToId))
			return
		}
		parent, err := s.filter.ReadPost(ctx, author, parentId)
		if err != nil {
			respondError(c, err)
			return
		}
		post.ReplyTargetId = &parent.Id
		post.InReplyToIRI = parent.IRI
	}

	mentioned := s.resolveMentions(ctx, author, req.Status)
	for _, acc := range mentioned {
		post.Mentions = append(post.Mentions, acc.Id)
	}

	if _, err := s.db.CreatePost(ctx, post); err != nil {
		respondError(c, err)
		return
	}
	s.federatePost(ctx, author, post, mentioned)
	s.respondStatus(c, post)
}

// resolveMentions returns the distinct accounts mentioned in text. Handles that
// cannot be resolved are left as plain text.
func (s *Server) resolveMentions(ctx context.Context, author *domain.Account, text string) []*domain.Account {
	var mentioned []*domain.Account
	seen := map[uuid.UUID]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		acc, err := s.resolver.Resolve(ctx, m[1], author)
		if err != nil {
			logger.Debug("Web: unresolved mention", zap.String("handle", m[1]), zap.Error(err))
			continue
		}
		if !seen[acc.Id] {
			seen[acc.Id] = true
			mentioned = append(mentioned, acc)
		}
	}
	return mentioned
}

// federatePost queues the Create of post. Direct posts go to the mentioned
// accounts only.
func (s *Server) federatePost(ctx context.Context, author *domain.Account, post *domain.Post, mentioned []*domain.Account) {
	if s.dispatcher == nil || !s.conf.Conf.WithAp {
		return
	}
	create := activitypub.NewCreate(author, activitypub.NewNote(post, author, mentioned, post.InReplyToIRI))

	var err error
	if post.Visibility == domain.VisibilityDirect {
		for _, acc := range mentioned {
			err = errors.Join(err, s.dispatcher.Dispatch(ctx, author, acc, create))
		}
	} else {
		err = s.dispatcher.DispatchToFollowers(ctx, author, create, mentioned...)
	}
	if err != nil {
		logger.Warn("Web: failed to queue post delivery", zap.String("post", post.IRI),
			zap.Error(fmt.Errorf("%w: %v", domain.ErrTransientDelivery, err)))
	}
}

// postParam loads the :id post if viewer may see it.
func (s *Server) postParam(c *gin.Context) *domain.Post {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, fmt.Errorf("%w: status %q", domain.ErrNotFound, c.Param("id")))
		return nil
	}
	post, err := s.filter.ReadPost(c.Request.Context(), viewerOf(c), id)
	if err != nil {
		respondError(c, err)
		return nil
	}
	return post
}

func (s *Server) handleStatus(c *gin.Context) {
	if post := s.postParam(c); post != nil {
		s.respondStatus(c, post)
	}
}

// ownPost is the :id post when it was written by the viewer and can be pinned.
func (s *Server) ownPost(c *gin.Context) *domain.Post {
	post := s.postParam(c)
	if post == nil {
		return nil
	}
	if post.AccountId != viewerOf(c).Id || post.SharingId != nil || post.Visibility == domain.VisibilityDirect {
		respondError(c, fmt.Errorf("%w: cannot pin %s", domain.ErrActionNotAllowed, post.Id))
		return nil
	}
	return post
}

func (s *Server) handlePin(c *gin.Context) {
	post := s.ownPost(c)
	if post == nil {
		return
	}
	if err := s.db.PinPost(c.Request.Context(), post.AccountId, post.Id); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, post)
}

func (s *Server) handleUnpin(c *gin.Context) {
	post := s.ownPost(c)
	if post == nil {
		return
	}
	if err := s.db.UnpinPost(c.Request.Context(), post.AccountId, post.Id); err != nil {
		respondError(c, err)
		return
	}
	s.respondStatus(c, post)
}
