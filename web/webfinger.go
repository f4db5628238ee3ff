package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/domain"
	"github.com/gin-gonic/gin"
)

const contentTypeJRD = "application/jrd+json; charset=utf-8"

// webFingerUser extracts the local username from an acct: resource or a local
// actor IRI. It returns "" for anything hosted elsewhere.
func (s *Server) webFingerUser(resource string) string {
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		username, host, found := strings.Cut(strings.TrimPrefix(acct, "@"), "@")
		if found && !strings.EqualFold(host, s.conf.Conf.SslDomain) {
			return ""
		}
		return username
	}
	if rest, ok := strings.CutPrefix(resource, s.baseURL()+"/users/"); ok && !strings.Contains(rest, "/") {
		return rest
	}
	return ""
}

func (s *Server) handleWebFinger(c *gin.Context) {
	notFound := func() {
		c.Header("Content-Type", contentTypeJRD)
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	}

	username := s.webFingerUser(c.Query("resource"))
	if username == "" {
		notFound()
		return
	}
	acc, err := s.db.ReadLocalAccount(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			notFound()
			return
		}
		respondError(c, err)
		return
	}
	c.Header("Content-Type", contentTypeJRD)
	c.JSON(http.StatusOK, activitypub.NewWebFingerResponse(acc))
}
