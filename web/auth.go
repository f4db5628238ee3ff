package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const viewerKey = "viewer"

var errInvalidToken = errors.New("invalid token")

// Claims identify a local account. Subject is the account id.
type Claims struct {
	Username string `json:"preferred_username"`
	jwt.RegisteredClaims
}

// Tokens issues and checks bearer tokens signed with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokens returns a token issuer. A zero ttl issues tokens that never expire.
func NewTokens(secret, issuer string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

func (t *Tokens) Issue(acc *domain.Account) (string, error) {
	if !acc.IsLocal() {
		return "", fmt.Errorf("%w: %s is not a local account", domain.ErrActionNotAllowed, acc.Handle())
	}
	now := time.Now()
	claims := Claims{
		Username: acc.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  acc.Id.String(),
			Issuer:   t.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates tokenString and returns the account id it was issued for.
func (t *Tokens) Parse(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, errInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", errInvalidToken)
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// authenticate resolves the bearer token, if any, to the local viewer account.
// A token that does not check out is rejected outright.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw == "" {
			c.Next()
			return
		}

		id, err := s.tokens.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token is invalid"})
			return
		}
		acc, err := s.db.ReadAccountById(c.Request.Context(), id)
		if err != nil || !acc.IsLocal() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token is invalid"})
			return
		}
		c.Set(viewerKey, acc)
		c.Next()
	}
}

// requireViewer aborts with status when the request carries no valid token.
func requireViewer(status int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if viewerOf(c) == nil {
			c.AbortWithStatusJSON(status, gin.H{"error": "This method requires an authenticated user"})
			return
		}
		c.Next()
	}
}

// viewerOf returns the signed in account, or nil for anonymous requests.
func viewerOf(c *gin.Context) *domain.Account {
	v, ok := c.Get(viewerKey)
	if !ok {
		return nil
	}
	acc, _ := v.(*domain.Account)
	return acc
}
