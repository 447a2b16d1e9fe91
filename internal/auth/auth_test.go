package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cbrain/controlplane/internal/command"
	"github.com/cbrain/controlplane/internal/models"
	"github.com/cbrain/controlplane/internal/observability"
)

type tokens struct{}

func (tokens) UserByToken(_ context.Context, token string) (*models.User, error) {
	switch token {
	case "alice-token":
		return &models.User{ID: 1, Login: "alice"}, nil
	case "admin-token":
		return &models.User{ID: 2, Login: "admin", IsAdmin: true}, nil
	}
	return nil, errors.New("not found")
}

func (tokens) GetResourceByToken(_ context.Context, token string) (*models.RemoteResource, error) {
	if token == "bourreau-token" {
		return &models.RemoteResource{ID: 5, Name: "exec-1"}, nil
	}
	return nil, errors.New("not found")
}

func call(h http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/whatever", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator(tokens{}, observability.Discard())
	var seen *models.User
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
	}))

	assert.Equal(t, http.StatusUnauthorized, call(h, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, "Authorization", "alice-token").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, "Authorization", "Bearer nope").Code)

	assert.Equal(t, http.StatusOK, call(h, "Authorization", "Bearer alice-token").Code)
	if assert.NotNil(t, seen) {
		assert.Equal(t, "alice", seen.Login)
	}
}

func TestRequireAdmin(t *testing.T) {
	a := NewAuthenticator(tokens{}, observability.Discard())
	h := a.Middleware(RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))

	assert.Equal(t, http.StatusForbidden, call(h, "Authorization", "Bearer alice-token").Code)
	assert.Equal(t, http.StatusOK, call(h, "Authorization", "Bearer admin-token").Code)
}

func TestResourceMiddleware(t *testing.T) {
	a := NewAuthenticator(tokens{}, observability.Discard())
	var seen *models.RemoteResource
	h := a.ResourceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ResourceFromContext(r.Context())
	}))

	assert.Equal(t, http.StatusUnauthorized, call(h, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(h, command.TokenHeader, "forged").Code)
	assert.Equal(t, http.StatusOK, call(h, command.TokenHeader, "bourreau-token").Code)
	if assert.NotNil(t, seen) {
		assert.Equal(t, int64(5), seen.ID)
	}
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	assert.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = BearerToken("bearer abc")
	assert.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = BearerToken("Basic abc")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = BearerToken("Bearer")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAuthenticatorOutsideHTTP(t *testing.T) {
	a := NewAuthenticator(tokens{}, observability.Discard())
	ctx := context.Background()

	u, err := a.User(ctx, "admin-token")
	assert.NoError(t, err)
	assert.True(t, u.IsAdmin)
	_, err = a.User(ctx, "stolen")
	assert.ErrorIs(t, err, ErrUnknownToken)

	rr, err := a.Resource(ctx, "bourreau-token")
	assert.NoError(t, err)
	assert.Equal(t, "exec-1", rr.Name)
	_, err = a.Resource(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
