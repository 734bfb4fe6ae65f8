package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"layerforge/internal/domain"
)

func TestJWTRoundtrip(t *testing.T) {
	svc := NewJWTService("test-secret", zaptest.NewLogger(t))

	token, err := svc.GenerateToken("ci-bot", 60)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.Subject)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTService("secret-a", zaptest.NewLogger(t))
	verifier := NewJWTService("secret-b", zaptest.NewLogger(t))

	token, err := issuer.GenerateToken("ci-bot", 60)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret", zaptest.NewLogger(t))

	token, err := svc.GenerateToken("ci-bot", -60)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	logger := zaptest.NewLogger(t)
	svc := NewJWTService("test-secret", logger)

	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = domain.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware(svc, logger)(next)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/builds", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/builds", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/builds", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := svc.GenerateToken("ci-bot", 60)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/builds", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ci-bot", gotSubject)
	})
}
