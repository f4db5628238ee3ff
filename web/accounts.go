package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// accountParam loads the account named by the :id path parameter. It responds
// itself and returns nil when there is none.
func (s *Server) accountParam(c *gin.Context) *domain.Account {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, fmt.Errorf("%w: account %q", domain.ErrNotFound, c.Param("id")))
		return nil
	}
	acc, err := s.db.ReadAccountById(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil
	}
	return acc
}

func (s *Server) respondAccount(c *gin.Context, acc *domain.Account) {
	e, err := s.renderAccount(c.Request.Context(), acc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) handleLookup(c *gin.Context) {
	acct := strings.TrimSpace(c.Query("acct"))
	if acct == "" {
		badRequest(c, "Missing acct parameter")
		return
	}
	acc, err := s.resolver.Resolve(c.Request.Context(), acct, viewerOf(c))
	if err != nil {
		respondError(c, err)
		return
	}
	s.respondAccount(c, acc)
}

func (s *Server) handleSearch(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		badRequest(c, "Missing q parameter")
		return
	}
	viewer := viewerOf(c)
	// only signed in users may make this instance fetch remote actors
	resolve := viewer != nil && c.Query("resolve") == "true"
	limit := visibility.DefaultLimit
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 && n <= visibility.MaxLimit {
		limit = n
	}

	found, err := s.resolver.Search(c.Request.Context(), q, viewer, resolve, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	accounts, err := s.renderAccounts(c.Request.Context(), found)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"statuses": []interface{}{},
		"hashtags": []interface{}{},
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	if acc := s.accountParam(c); acc != nil {
		s.respondAccount(c, acc)
	}
}

type relationshipOp func(ctx context.Context, viewer, target *domain.Account) (*domain.Relationship, error)

// relationshipAction runs op from the viewer to the :id account and answers with
// the resulting relationship.
func (s *Server) relationshipAction(c *gin.Context, op relationshipOp) {
	target := s.accountParam(c)
	if target == nil {
		return
	}
	rel, err := op(c.Request.Context(), viewerOf(c), target)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) handleFollow(c *gin.Context) {
	s.relationshipAction(c, s.engine.Follow)
}

func (s *Server) handleUnfollow(c *gin.Context) {
	s.relationshipAction(c, s.engine.Unfollow)
}

func (s *Server) handleBlock(c *gin.Context) {
	s.relationshipAction(c, s.engine.Block)
}

func (s *Server) handleUnblock(c *gin.Context) {
	s.relationshipAction(c, s.engine.Unblock)
}

type muteRequest struct {
	Notifications *bool `form:"notifications" json:"notifications"`
	Duration      int   `form:"duration" json:"duration"` // seconds, 0 is indefinite
}

func (s *Server) handleMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBind(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	if req.Duration < 0 {
		badRequest(c, "Duration must not be negative")
		return
	}
	notifications := req.Notifications == nil || *req.Notifications
	duration := time.Duration(req.Duration) * time.Second

	s.relationshipAction(c, func(ctx context.Context, viewer, target *domain.Account) (*domain.Relationship, error) {
		return s.engine.Mute(ctx, viewer, target, notifications, duration)
	})
}

func (s *Server) handleUnmute(c *gin.Context) {
	s.relationshipAction(c, s.engine.Unmute)
}

func (s *Server) handleRelationships(c *gin.Context) {
	var ids []uuid.UUID
	for _, raw := range append(c.QueryArray("id[]"), c.QueryArray("id")...) {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	rels, err := s.engine.Views().Summarize(c.Request.Context(), viewerOf(c), ids)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rels)
}

type statusesQuery struct {
	Limit          int    `form:"limit"`
	MaxID          string `form:"max_id"`
	MinID          string `form:"min_id"`
	OnlyMedia      bool   `form:"only_media"`
	ExcludeReplies bool   `form:"exclude_replies"`
	Pinned         bool   `form:"pinned"`
	Tagged         string `form:"tagged"`
}

func (q *statusesQuery) options() (visibility.Options, error) {
	opts := visibility.Options{
		Limit:          q.Limit,
		OnlyMedia:      q.OnlyMedia,
		ExcludeReplies: q.ExcludeReplies,
		Pinned:         q.Pinned,
		Tagged:         q.Tagged,
	}
	if q.MaxID != "" {
		id, err := uuid.Parse(q.MaxID)
		if err != nil {
			return opts, fmt.Errorf("invalid max_id: %w", err)
		}
		opts.MaxID = &id
	}
	if q.MinID != "" {
		id, err := uuid.Parse(q.MinID)
		if err != nil {
			return opts, fmt.Errorf("invalid min_id: %w", err)
		}
		opts.MinID = &id
	}
	return opts, nil
}

func (s *Server) handleAccountStatuses(c *gin.Context) {
	var q statusesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}
	opts, err := q.options()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	target := s.accountParam(c)
	if target == nil {
		return
	}

	ctx := c.Request.Context()
	page, err := s.filter.ListAccountPosts(ctx, viewerOf(c), target, opts)
	if err != nil {
		respondError(c, err)
		return
	}
	statuses, err := s.renderStatuses(ctx, page.Posts)
	if err != nil {
		respondError(c, err)
		return
	}
	if link := s.paginationLink(c, page); link != "" {
		c.Header("Link", link)
	}
	c.JSON(http.StatusOK, statuses)
}

// paginationLink points at the next older page and at posts newer than this one.
func (s *Server) paginationLink(c *gin.Context, page *visibility.Page) string {
	if len(page.Posts) == 0 {
		return ""
	}
	link := func(param string, id uuid.UUID, rel string) string {
		query := url.Values{}
		for k, v := range c.Request.URL.Query() {
			query[k] = v
		}
		query.Del("max_id")
		query.Del("min_id")
		query.Set(param, id.String())
		return fmt.Sprintf(`<%s%s?%s>; rel="%s"`, s.baseURL(), c.Request.URL.Path, query.Encode(), rel)
	}

	var links []string
	if page.NextMaxID != nil {
		links = append(links, link("max_id", *page.NextMaxID, "next"))
	}
	links = append(links, link("min_id", page.Posts[0].Id, "prev"))
	return strings.Join(links, ", ")
}

func (s *Server) handleFollowRequests(c *gin.Context) {
	ctx := c.Request.Context()
	requests, err := s.db.ReadFollowRequests(ctx, viewerOf(c).Id)
	if err != nil {
		respondError(c, err)
		return
	}
	ids := make([]uuid.UUID, 0, len(requests))
	for _, f := range requests {
		ids = append(ids, f.AccountId)
	}
	byId, err := s.db.ReadAccountsByIds(ctx, ids)
	if err != nil {
		respondError(c, err)
		return
	}
	accounts := make([]*domain.Account, 0, len(ids))
	for _, id := range ids {
		if acc, ok := byId[id]; ok {
			accounts = append(accounts, acc)
		}
	}
	rendered, err := s.renderAccounts(ctx, accounts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rendered)
}

func (s *Server) handleAuthorizeFollow(c *gin.Context) {
	s.relationshipAction(c, s.engine.AcceptFollow)
}

func (s *Server) handleRejectFollow(c *gin.Context) {
	s.relationshipAction(c, s.engine.RejectFollow)
}
