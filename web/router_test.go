package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/db/dbtest"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/relationship"
	"github.com/deemkeen/stegograph/resolver"
	"github.com/deemkeen/stegograph/util"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	t      *testing.T
	ctx    context.Context
	store  *db.DB
	server *Server
	router *gin.Engine
	tokens *Tokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = dbtest.LocalDomain
	conf.Conf.WithAp = true

	store := dbtest.Open(t)
	tr := activitypub.NewTransport(nil, 2*time.Second)
	tr.Scheme = "http"
	res := resolver.New(store, tr, nil, resolver.Options{LocalDomain: dbtest.LocalDomain})
	t.Cleanup(res.Wait)

	dispatcher := activitypub.NewDispatcher(store)
	engine := relationship.NewEngine(store, dispatcher, nil)
	tokens := NewTokens(testSecret, util.Name, time.Hour)

	srv := NewServer(conf, Services{
		DB:         store,
		Resolver:   res,
		Engine:     engine,
		Filter:     visibility.NewFilter(store, res, 0),
		Dispatcher: dispatcher,
		Inbox:      activitypub.NewInbox(store, res, engine),
		Tokens:     tokens,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &testServer{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		server: srv,
		router: srv.Router(ctx),
		tokens: tokens,
	}
}

func (ts *testServer) token(acc *domain.Account) string {
	ts.t.Helper()
	tok, err := ts.tokens.Issue(acc)
	require.NoError(ts.t, err)
	return tok
}

// do sends a request with form encoded params. An empty token is anonymous.
func (ts *testServer) do(method, path, token string, params url.Values) *httptest.ResponseRecorder {
	ts.t.Helper()
	var req *http.Request
	if method == http.MethodGet {
		if len(params) > 0 {
			path += "?" + params.Encode()
		}
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(params.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// action posts to a relationship endpoint and decodes the resulting relationship.
func (ts *testServer) action(viewer *domain.Account, path string) domain.Relationship {
	ts.t.Helper()
	w := ts.do(http.MethodPost, path, ts.token(viewer), nil)
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
	return decode[domain.Relationship](ts.t, w)
}

func (ts *testServer) relationship(viewer, target *domain.Account, op string) domain.Relationship {
	ts.t.Helper()
	return ts.action(viewer, "/api/v1/accounts/"+target.Id.String()+"/"+op)
}

func (ts *testServer) status(author *domain.Account, text string, vis domain.Visibility) statusEntity {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/api/v1/statuses", ts.token(author), url.Values{
		"status":     {text},
		"visibility": {string(vis)},
	})
	require.Equal(ts.t, http.StatusOK, w.Code, w.Body.String())
	return decode[statusEntity](ts.t, w)
}
