package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
)

const (
	contentTypeRSS = "application/xml; charset=utf-8"
	rssDateTime    = "2006-01-02 15:04 MST"
	rssDescription = "public posts"
)

func feedAuthor(acc *domain.Account) *feeds.Author {
	name := acc.DisplayName
	if name == "" {
		name = acc.Username
	}
	return &feeds.Author{Name: name, Email: fmt.Sprintf("%s@%s", acc.Username, acc.Domain)}
}

func feedItem(post *domain.Post, author *domain.Account) *feeds.Item {
	link := post.URL
	if link == "" {
		link = post.IRI
	}
	return &feeds.Item{
		Id:      post.Id.String(),
		Title:   post.Published.UTC().Format(rssDateTime),
		Link:    &feeds.Link{Href: link},
		Content: post.Content,
		Author:  feedAuthor(author),
		Created: post.Published,
	}
}

// GetRSS renders the newest posts of a local account that anyone may see.
func (s *Server) GetRSS(ctx context.Context, username string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("%w: no username", domain.ErrNotFound)
	}
	acc, err := s.db.ReadLocalAccount(ctx, username)
	if err != nil {
		return "", err
	}
	page, err := s.filter.ListAccountPosts(ctx, nil, acc, visibility.Options{Limit: visibility.MaxLimit})
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", acc.Handle(), rssDescription),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/feed?username=%s", s.baseURL(), url.QueryEscape(username))},
		Description: acc.Summary,
		Author:      feedAuthor(acc),
		Created:     time.Now(),
	}
	for i := range page.Posts {
		if page.Posts[i].SharingId != nil {
			continue
		}
		feed.Items = append(feed.Items, feedItem(&page.Posts[i], acc))
	}
	return feed.ToRss()
}

// GetRSSItem renders a single public post of a local account.
func (s *Server) GetRSSItem(ctx context.Context, id uuid.UUID) (string, error) {
	post, err := s.filter.ReadPost(ctx, nil, id)
	if err != nil {
		return "", err
	}
	author, err := s.db.ReadAccountById(ctx, post.AccountId)
	if err != nil {
		return "", err
	}
	if !author.IsLocal() {
		return "", fmt.Errorf("%w: post %s is not hosted here", domain.ErrNotFound, id)
	}

	item := feedItem(post, author)
	feed := &feeds.Feed{
		Title:   fmt.Sprintf("%s - %s", author.Handle(), item.Title),
		Link:    &feeds.Link{Href: fmt.Sprintf("%s/feed/%s", s.baseURL(), id)},
		Author:  feedAuthor(author),
		Created: time.Now(),
		Items:   []*feeds.Item{item},
	}
	return feed.ToRss()
}

func (s *Server) respondFeed(c *gin.Context, rss string, err error) {
	c.Header("Content-Type", contentTypeRSS)
	switch {
	case err == nil:
		c.String(http.StatusOK, rss)
	case errors.Is(err, domain.ErrNotFound):
		c.Status(http.StatusNotFound)
	default:
		respondError(c, err)
	}
}

func (s *Server) handleFeed(c *gin.Context) {
	rss, err := s.GetRSS(c.Request.Context(), c.Query("username"))
	s.respondFeed(c, rss, err)
}

func (s *Server) handleFeedItem(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	rss, err := s.GetRSSItem(c.Request.Context(), id)
	s.respondFeed(c, rss, err)
}
