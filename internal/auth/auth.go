// Package auth establishes who is calling: an operator holding a bearer
// token, or a peer resource holding its resource token. The HTTP middlewares
// are thin wrappers so other entry points can authenticate the same way.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
)

var (
	ErrNoCredentials = errors.New("missing credentials")
	ErrMalformed     = errors.New("malformed authorization header")
	ErrUnknownToken  = errors.New("unknown token")
	ErrNotAdmin      = errors.New("admin only")
	ErrUnknownPeer   = errors.New("unauthorized resource")
)

type contextKey int

const (
	userKey contextKey = iota
	resourceKey
)

type Store interface {
	UserByToken(ctx context.Context, token string) (*models.User, error)
	GetResourceByToken(ctx context.Context, token string) (*models.RemoteResource, error)
}

type Authenticator struct {
	store  Store
	logger *slog.Logger
}

func NewAuthenticator(store Store, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, logger: logger}
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMalformed
	}
	return token, nil
}

// User resolves an operator token.
func (a *Authenticator) User(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNoCredentials
	}
	u, err := a.store.UserByToken(ctx, token)
	if err != nil {
		a.logger.Warn("rejected user token", "err", err)
		return nil, ErrUnknownToken
	}
	return u, nil
}

// Resource resolves the token a portal or Bourreau presents to its peers.
func (a *Authenticator) Resource(ctx context.Context, token string) (*models.RemoteResource, error) {
	if token == "" {
		return nil, ErrUnknownPeer
	}
	rr, err := a.store.GetResourceByToken(ctx, token)
	if err != nil {
		a.logger.Warn("rejected resource token", "err", err)
		return nil, ErrUnknownPeer
	}
	return rr, nil
}

// Middleware authenticates operators by their bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		u, err := a.User(r.Context(), token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), u)))
	})
}

// ResourceMiddleware authenticates peers by the resource token header.
func (a *Authenticator) ResourceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr, err := a.Resource(r.Context(), r.Header.Get(command.TokenHeader))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resourceKey, rr)))
	})
}

// RequireAdmin wraps a handler that is already behind Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := UserFromContext(r.Context()); u == nil || !u.IsAdmin {
			http.Error(w, ErrNotAdmin.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ContextWithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

func UserFromContext(ctx context.Context) *models.User {
	u, _ := ctx.Value(userKey).(*models.User)
	return u
}

func ResourceFromContext(ctx context.Context) *models.RemoteResource {
	rr, _ := ctx.Value(resourceKey).(*models.RemoteResource)
	return rr
}
