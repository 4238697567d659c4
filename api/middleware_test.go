package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestValidateToken_RoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret", "karma")

	tok, err := auth.IssueToken("mom", true, time.Minute)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "mom", claims.Subject)
	assert.True(t, claims.Admin)
}

func TestValidateToken_Rejects(t *testing.T) {
	auth := NewAuthenticator("secret", "karma")

	noSubject, err := auth.IssueToken("", false, time.Minute)
	require.NoError(t, err)
	otherIssuer, err := NewAuthenticator("secret", "elsewhere").IssueToken("mom", false, time.Minute)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":      "not.a.token",
		"no subject":   noSubject,
		"other issuer": otherIssuer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := auth.ValidateToken(tok)
			assert.Error(t, err)
		})
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	auth := NewAuthenticator("secret", "")
	reached := false
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, reached)
}

func TestMiddleware_AnonymousPassesThrough(t *testing.T) {
	auth := NewAuthenticator("secret", "")
	var caller string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = string(callerFrom(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, caller)
}

func TestRateLimiter_KeysByClientIP(t *testing.T) {
	// GIVEN a limiter allowing one request per key
	rl := NewRateLimiter(0.001, 1, quietLogger())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// THEN each anonymous client has its own bucket, ports ignored
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:2000"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"))
}

func TestRateLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, quietLogger())
	rl.limiterFor("fresh")
	rl.limiterFor("stale")
	rl.limiters["stale"].lastSeen = time.Now().Add(-time.Hour)

	rl.Cleanup()

	assert.Contains(t, rl.limiters, "fresh")
	assert.NotContains(t, rl.limiters, "stale")
}
