package authorization

import (
	"net/http"
	"net/http/httptest"
	"testing"

	jwt "github.com/appleboy/gin-jwt/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, guard *Guard, extra ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := append([]gin.HandlerFunc{guard.RequireAuthenticated()}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no identity"})
			return
		}
		c.JSON(http.StatusOK, identity)
	})
	r.GET("/me", handlers...)
	return r
}

func TestGuardAcceptsHeaderAndQueryTokens(t *testing.T) {
	guard, err := NewGuard("secret", "")
	require.NoError(t, err)
	token, _, err := guard.Issue(Identity{UserID: "u-1", Username: "Ada", Roles: []string{"editor"}})
	require.NoError(t, err)

	r := newTestRouter(t, guard)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u-1","username":"Ada","roles":["editor"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardRejectsMissingOrForeignToken(t *testing.T) {
	guard, err := NewGuard("secret", "")
	require.NoError(t, err)
	other, err := NewGuard("other-secret", "")
	require.NoError(t, err)
	foreign, _, err := other.Issue(Identity{UserID: "u-1"})
	require.NoError(t, err)

	r := newTestRouter(t, guard)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+foreign, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	anonymous, _, err := guard.Issue(Identity{Username: "nobody"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+anonymous, nil))
	assert.NotEqual(t, http.StatusOK, rec.Code, "tokens without a user id are refused")
}

func TestRequireAnyRole(t *testing.T) {
	guard, err := NewGuard("secret", "")
	require.NoError(t, err)
	r := newTestRouter(t, guard, guard.RequireAnyRole("Editor", " admin "))

	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role is case insensitive", []string{"editor"}, http.StatusOK},
		{"second role matches", []string{"viewer", "ADMIN"}, http.StatusOK},
		{"no matching role", []string{"viewer"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _, err := guard.Issue(Identity{UserID: "u-1", Roles: tt.roles})
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNilGuardAndEnv(t *testing.T) {
	var guard *Guard
	r := newTestRouter(t, guard)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, _, err := guard.Issue(Identity{UserID: "x"})
	assert.ErrorIs(t, err, ErrMissingSecret)

	t.Setenv("JWT_SECRET", "")
	fromEnv, err := NewGuardFromEnv()
	require.NoError(t, err)
	assert.Nil(t, fromEnv)

	_, err = NewGuard("  ", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestExtractUserID(t *testing.T) {
	assert.Equal(t, "42", extractUserID(jwt.MapClaims{identityKey: float64(42)}))
	assert.Equal(t, "u-1", extractUserID(jwt.MapClaims{identityKey: " u-1 "}))
	assert.Equal(t, "", extractUserID(jwt.MapClaims{}))
	assert.Equal(t, []string{"a"}, extractRoles(jwt.MapClaims{"roles": []interface{}{"a", 3}}))
}
