package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/tokengate/internal/credentials"
	"github.com/fclairamb/tokengate/internal/store"
)

func TestLogin(t *testing.T) {
	t.Parallel()

	upstream := newUpstream(t, nil)

	t.Run("success installs credentials", func(t *testing.T) {
		t.Parallel()

		events := &memoryEvents{}
		ts := newTestServer(t, upstream, credentials.Pair{}, events)

		w := ts.do(http.MethodPost, "/session/login", `{"email":"ann@example.com","password":"secret"}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		body := decodeJSON(t, w)
		user, ok := body["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "u1", user["id"])
		assert.NotContains(t, w.Body.String(), validAccess)

		pair, present := ts.gateway.Store().Get()
		require.True(t, present)
		assert.Equal(t, validRefresh, pair.RefreshToken)
		assert.Equal(t, []string{store.EventLogin}, events.types())

		w = ts.do(http.MethodGet, "/api/orders", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejected", func(t *testing.T) {
		t.Parallel()

		ts := newTestServer(t, upstream, credentials.Pair{}, nil)

		w := ts.do(http.MethodPost, "/session/login", `{"email":"ann@example.com","password":"nope"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		_, present := ts.gateway.Store().Get()
		assert.False(t, present)
	})

	t.Run("invalid body", func(t *testing.T) {
		t.Parallel()

		ts := newTestServer(t, upstream, credentials.Pair{}, nil)

		for _, body := range []string{`not json`, `{"password":"secret"}`, `{"email":"ann@example.com"}`} {
			w := ts.do(http.MethodPost, "/session/login", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, body)
		}
	})
}

func TestLogout(t *testing.T) {
	t.Parallel()

	events := &memoryEvents{}
	ts := newTestServer(t, newUpstream(t, nil), credentials.Pair{AccessToken: validAccess, RefreshToken: validRefresh}, events)

	w := ts.do(http.MethodPost, "/session/logout", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, present := ts.gateway.Store().Get()
	assert.False(t, present)
	assert.Equal(t, []string{store.EventLogout}, events.types())

	// Without credentials the call is rejected without a refresh attempt
	w = ts.do(http.MethodGet, "/api/orders", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSessionStatus(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	ts := newTestServer(t, newUpstream(t, nil), credentials.Pair{AccessToken: access, RefreshToken: validRefresh}, nil)

	w := ts.do(http.MethodGet, "/session", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), validRefresh)

	body := decodeJSON(t, w)
	assert.Equal(t, "work", body["profile"])
	assert.Equal(t, true, body["signed_in"])
	assert.Equal(t, true, body["has_refresh"])
	assert.Equal(t, "idle", body["refresh_state"])
	assert.InDelta(t, 1, body["generation"], 0)

	got, err := time.Parse(time.RFC3339, body["access_expires_at"].(string))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))
}

func TestSessionStatus_SignedOut(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, newUpstream(t, nil), credentials.Pair{}, nil)

	w := ts.do(http.MethodGet, "/session", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, false, body["signed_in"])
	assert.NotContains(t, body, "access_expires_at")
}

func TestListSessionEvents(t *testing.T) {
	t.Parallel()

	upstream := newUpstream(t, nil)

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()

		ts := newTestServer(t, upstream, credentials.Pair{}, nil)

		w := ts.do(http.MethodGet, "/session/events", "", nil)
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})

	t.Run("filtered by type", func(t *testing.T) {
		t.Parallel()

		events := &memoryEvents{}
		ts := newTestServer(t, upstream, credentials.Pair{}, events)

		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/session/login", `{"email":"ann@example.com","password":"secret"}`, nil).Code)
		require.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/session/logout", "", nil).Code)

		w := ts.do(http.MethodGet, "/session/events?event_type=logout", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeJSON(t, w)
		list, ok := body["session_events"].([]any)
		require.True(t, ok)
		require.Len(t, list, 1)

		entry, ok := list[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, store.EventLogout, entry["event_type"])
		assert.Equal(t, "work", entry["profile"])
	})
}
