package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(UserID(r.Context()) + "|" + DisplayName(r.Context())))
	})
}

func signed(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestIdentityFromQueryWithoutSecret(t *testing.T) {
	handler := Identity("")(echoIdentity())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?participant=alice&name=Alice", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alice|Alice", rr.Body.String())

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIdentityFromToken(t *testing.T) {
	handler := Identity(secret)(echoIdentity())
	token := signed(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
		"sub":  "user-42",
		"name": "Marie",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?token="+token+"&participant=mallory", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-42|Marie", rr.Body.String(), "the query parameter is ignored once tokens are required")

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestIdentityRejectsBadTokens(t *testing.T) {
	handler := Identity(secret)(echoIdentity())
	cases := map[string]string{
		"missing":      "",
		"wrong secret": signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "a"}),
		"expired":      signed(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "a", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   signed(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"name": "a"}),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/documents", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	assert.True(t, called)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}
