package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        Raw
		wantKind   Kind
		wantReason string
		wantMsg    string
	}{
		{
			name:       "superseded wins over everything",
			raw:        Raw{Status: http.StatusUnauthorized, Superseded: true, Err: context.Canceled},
			wantKind:   Canceled,
			wantReason: ReasonSuperseded,
			wantMsg:    "Request superseded",
		},
		{
			name:       "401 status",
			raw:        Raw{Status: http.StatusUnauthorized, Body: []byte(`{"message":"Unauthorized"}`)},
			wantKind:   Unauthenticated,
			wantReason: ReasonStatusUnauthorized,
			wantMsg:    "Unauthorized",
		},
		{
			name:       "expired token message on a 400",
			raw:        Raw{Status: http.StatusBadRequest, Body: []byte(`{"error":"jwt expired"}`)},
			wantKind:   Unauthenticated,
			wantReason: ReasonTokenRejected,
			wantMsg:    "jwt expired",
		},
		{
			name:       "malformed token as bare string body",
			raw:        Raw{Status: http.StatusInternalServerError, Body: []byte(`"jwt malformed"`)},
			wantKind:   Unauthenticated,
			wantReason: ReasonTokenRejected,
			wantMsg:    "jwt malformed",
		},
		{
			name:       "structured Unauthorized status string",
			raw:        Raw{Status: http.StatusOK, Body: []byte(`{"status":"Unauthorized","message":"nope"}`)},
			wantKind:   Unauthenticated,
			wantReason: ReasonTokenRejected,
			wantMsg:    "nope",
		},
		{
			name:       "403 status",
			raw:        Raw{Status: http.StatusForbidden, Body: []byte(`{"error":{"message":"session revoked"}}`)},
			wantKind:   Forbidden,
			wantReason: ReasonStatusForbidden,
			wantMsg:    "session revoked",
		},
		{
			name:       "network error",
			raw:        Raw{Err: errors.New("dial tcp: connection refused")},
			wantKind:   Transient,
			wantReason: ReasonNoResponse,
			wantMsg:    "Network error",
		},
		{
			name:       "timeout",
			raw:        Raw{Err: fmt.Errorf("get: %w", context.DeadlineExceeded)},
			wantKind:   Transient,
			wantReason: ReasonTimeout,
			wantMsg:    "Network error",
		},
		{
			name:       "service unavailable",
			raw:        Raw{Status: http.StatusServiceUnavailable},
			wantKind:   Transient,
			wantReason: ReasonUnavailable,
			wantMsg:    "Request failed with status 503",
		},
		{
			name:       "validation failure",
			raw:        Raw{Status: http.StatusUnprocessableEntity, Body: []byte(`{"errors":[{"msg":"name is required"}]}`)},
			wantKind:   Other,
			wantReason: ReasonUpstreamFail,
			wantMsg:    "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.raw)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

func TestExtractMessagePriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "errors array first", body: `{"errors":["first","second"],"error":["other"],"message":"m"}`, want: "first"},
		{name: "error array before string", body: `{"error":["from array"],"message":"m"}`, want: "from array"},
		{name: "string error before message", body: `{"error":"from error","message":"from message"}`, want: "from error"},
		{name: "object error", body: `{"error":{"message":"nested"},"message":"outer"}`, want: "nested"},
		{name: "message only", body: `{"message":"just message"}`, want: "just message"},
		{name: "empty error array falls through", body: `{"error":[],"message":"fallthrough"}`, want: "fallthrough"},
		{name: "plain text", body: `upstream exploded`, want: "upstream exploded"},
		{name: "nothing usable", body: `{"code":12}`, want: "Request failed with status 500"},
		{name: "empty body", body: ``, want: "Request failed with status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ExtractMessage(http.StatusInternalServerError, []byte(tt.body)))
		})
	}
}

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("dispatch: %w", New(Forbidden, ReasonStatusForbidden, "denied"))

	require.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, Forbidden, KindOf(err))
	assert.Equal(t, Other, KindOf(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "canceled", Canceled.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}
