package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cash-register/register"
)

func newTestAuth(t *testing.T) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator("test-secret", "cash-register", time.Hour)
	require.NoError(t, err)
	return auth
}

func TestAuthenticator_IssueAndParse(t *testing.T) {
	auth := newTestAuth(t)

	token, err := auth.Issue("ana", register.RoleAdmin)
	require.NoError(t, err)

	claims, err := auth.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, register.Identity{Owner: "ana", Role: register.RoleAdmin}, claims.Identity())
	assert.Equal(t, "cash-register", claims.Issuer)
}

func TestAuthenticator_RejectsBadTokens(t *testing.T) {
	auth := newTestAuth(t)

	t.Run("garbage", func(t *testing.T) {
		_, err := auth.Parse("not-a-token")
		assert.Error(t, err)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewAuthenticator("another-secret", "cash-register", time.Hour)
		require.NoError(t, err)
		token, err := other.Issue("ana", register.RoleStandard)
		require.NoError(t, err)

		_, err = auth.Parse(token)
		assert.Error(t, err)
	})

	t.Run("other issuer", func(t *testing.T) {
		other, err := NewAuthenticator("test-secret", "someone-else", time.Hour)
		require.NoError(t, err)
		token, err := other.Issue("ana", register.RoleStandard)
		require.NoError(t, err)

		_, err = auth.Parse(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		issuedAt := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
		auth.now = func() time.Time { return issuedAt }
		token, err := auth.Issue("ana", register.RoleStandard)
		require.NoError(t, err)

		auth.now = func() time.Time { return issuedAt.Add(2 * time.Hour) }
		_, err = auth.Parse(token)
		assert.Error(t, err)
	})
}

func TestAuthenticator_IssueValidatesInput(t *testing.T) {
	auth := newTestAuth(t)

	_, err := auth.Issue("", register.RoleStandard)
	assert.Error(t, err)

	_, err = auth.Issue("ana", register.Role("boss"))
	assert.Error(t, err)

	_, err = NewAuthenticator("  ", "", time.Hour)
	assert.Error(t, err)
}

func TestAuthenticator_Middleware(t *testing.T) {
	auth := newTestAuth(t)

	var seen register.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := auth.Middleware(next)

	// GIVEN: no Authorization header
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/saldos-hoje", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"erro"`)

	// GIVEN: a valid bearer token
	token, err := auth.Issue("ana", register.RoleStandard)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/saldos-hoje", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// THEN: the identity reaches the handler
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, register.Identity{Owner: "ana", Role: register.RoleStandard}, seen)
}
