package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/relationship"
	"github.com/deemkeen/stegograph/resolver"
	"github.com/deemkeen/stegograph/util"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	contentTypeActivity = "application/activity+json; charset=utf-8"
	maxActivityBody     = 1 << 20
)

// Services are the collaborators the HTTP layer exposes.
type Services struct {
	DB         *db.DB
	Resolver   *resolver.Resolver
	Engine     *relationship.Engine
	Filter     *visibility.Filter
	Dispatcher *activitypub.Dispatcher
	Inbox      *activitypub.Inbox
	Tokens     *Tokens
}

type Server struct {
	conf       *util.AppConfig
	db         *db.DB
	resolver   *resolver.Resolver
	engine     *relationship.Engine
	filter     *visibility.Filter
	dispatcher *activitypub.Dispatcher
	inbox      *activitypub.Inbox
	tokens     *Tokens
}

func NewServer(conf *util.AppConfig, svc Services) *Server {
	return &Server{
		conf:       conf,
		db:         svc.DB,
		resolver:   svc.Resolver,
		engine:     svc.Engine,
		filter:     svc.Filter,
		dispatcher: svc.Dispatcher,
		inbox:      svc.Inbox,
		tokens:     svc.Tokens,
	}
}

// baseURL is the public origin of this instance.
func (s *Server) baseURL() string {
	return fmt.Sprintf("https://%s", s.conf.Conf.SslDomain)
}

// Router builds the gin engine. Rate limiter bookkeeping stops with ctx.
func (s *Server) Router(ctx context.Context) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(otelgin.Middleware(util.Name))
	g.Use(RequestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	go globalLimiter.Cleanup(ctx, 5*time.Minute)
	g.Use(RateLimitMiddleware(globalLimiter))

	// RSS Feed
	g.GET("/feed", s.handleFeed)
	g.GET("/feed/:id", s.handleFeedItem)

	api := g.Group("/api", s.authenticate())
	{
		v1 := api.Group("/v1")
		mutation := requireViewer(http.StatusUnprocessableEntity)
		signedIn := requireViewer(http.StatusUnauthorized)

		v1.GET("/accounts/lookup", s.handleLookup)
		v1.GET("/accounts/relationships", signedIn, s.handleRelationships)
		v1.GET("/accounts/:id", s.handleAccount)
		v1.GET("/accounts/:id/statuses", s.handleAccountStatuses)
		v1.POST("/accounts/:id/follow", mutation, s.handleFollow)
		v1.POST("/accounts/:id/unfollow", mutation, s.handleUnfollow)
		v1.POST("/accounts/:id/block", mutation, s.handleBlock)
		v1.POST("/accounts/:id/unblock", mutation, s.handleUnblock)
		v1.POST("/accounts/:id/mute", mutation, s.handleMute)
		v1.POST("/accounts/:id/unmute", mutation, s.handleUnmute)

		v1.GET("/follow_requests", signedIn, s.handleFollowRequests)
		v1.POST("/follow_requests/:id/authorize", mutation, s.handleAuthorizeFollow)
		v1.POST("/follow_requests/:id/reject", mutation, s.handleRejectFollow)

		v1.POST("/statuses", mutation, s.handleCreateStatus)
		v1.GET("/statuses/:id", s.handleStatus)
		v1.POST("/statuses/:id/pin", mutation, s.handlePin)
		v1.POST("/statuses/:id/unpin", mutation, s.handleUnpin)

		api.GET("/v2/search", s.handleSearch)
	}

	if s.conf.Conf.WithAp {
		// Stricter rate limit for ActivityPub inboxes: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)
		go apLimiter.Cleanup(ctx, 5*time.Minute)
		maxBodySize := MaxBytesMiddleware(maxActivityBody)

		g.GET("/.well-known/webfinger", s.handleWebFinger)
		g.GET("/users/:actor", s.handleActor)
		g.GET("/users/:actor/outbox", s.handleOutbox)
		g.GET("/users/:actor/followers", s.handleFollowersCollection)
		g.GET("/users/:actor/following", s.handleFollowingCollection)
		g.GET("/posts/:id", s.handleNote)

		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			s.inbox.HandleInbox(c.Writer, c.Request, "")
		})
		g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			s.inbox.HandleInbox(c.Writer, c.Request, c.Param("actor"))
		})
	}

	return g
}

// ListenAndServe serves until ctx is cancelled, then drains open requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort),
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Web: listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
