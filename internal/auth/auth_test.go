package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	m := NewJWTManager("secret", "", time.Hour)

	token, expires, err := m.IssueToken("alice", []string{ScopeQueryRun})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	p, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, p.HasScope(ScopeQueryRun))
	assert.False(t, p.HasScope(ScopeAdminReap))
	assert.NotEmpty(t, p.TokenID)
}

func TestValidateRejects(t *testing.T) {
	m := NewJWTManager("secret", "cryptoquery", time.Hour)
	good, _, err := m.IssueToken("alice", AllScopes)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		other := NewJWTManager("other", "cryptoquery", time.Hour)
		_, err := other.ValidateToken(good)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTManager("secret", "someone-else", time.Hour)
		_, err := other.ValidateToken(good)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("expired", func(t *testing.T) {
		past := NewJWTManager("secret", "cryptoquery", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		old, _, err := past.IssueToken("alice", nil)
		require.NoError(t, err)
		_, err = m.ValidateToken(old)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("unsigned", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "mallory",
				Issuer:    "cryptoquery",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = m.ValidateToken(s)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateToken("not-a-token")
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})
}

func TestIssueRequiresSubject(t *testing.T) {
	_, _, err := NewJWTManager("secret", "", 0).IssueToken("", nil)
	assert.Error(t, err)
}

func TestExtractBearerToken(t *testing.T) {
	tok, err := ExtractBearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	tok, err = ExtractBearerToken("bearer xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer ", "Basic abc", "abc"} {
		_, err := ExtractBearerToken(h)
		assert.Error(t, err, h)
	}
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(p.Subject))
	})
}

func TestHTTPMiddleware(t *testing.T) {
	m := NewJWTManager("secret", "", time.Hour)
	token, _, err := m.IssueToken("alice", AllScopes)
	require.NoError(t, err)
	h := NewMiddleware(m, false).HTTPMiddleware(principalEcho())

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", rec.Body.String())
	})

	t.Run("missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("query param on stream", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/r1/stream?access_token="+token, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("query param elsewhere", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?access_token="+token, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSkipAuthAttachesDevPrincipal(t *testing.T) {
	h := NewMiddleware(nil, true).HTTPMiddleware(RequireScope(ScopeAdminReap, principalEcho()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reap", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev", rec.Body.String())
}

func TestRequireScope(t *testing.T) {
	h := RequireScope(ScopeAdminReap, principalEcho())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reap", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reap", nil)
	req = req.WithContext(WithPrincipal(req.Context(), &Principal{Subject: "bob", Scopes: []string{ScopeQueryRun}}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
