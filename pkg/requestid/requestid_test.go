package requestid_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/requestid"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("generates id when missing", func(t *testing.T) {
		t.Parallel()
		var seen string
		h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestid.FromContext(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/billing/webhook", nil))

		require.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(requestid.Header))
	})

	t.Run("keeps valid incoming id", func(t *testing.T) {
		t.Parallel()
		var seen string
		h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = requestid.FromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(requestid.Header, "req_123-abc")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "req_123-abc", seen)
	})

	t.Run("replaces invalid incoming id", func(t *testing.T) {
		t.Parallel()
		for _, bad := range []string{"a b", "<script>", strings.Repeat("x", 129)} {
			var seen string
			h := requestid.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = requestid.FromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set(requestid.Header, bad)
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.NotEqual(t, bad, seen)
			assert.NotEmpty(t, seen)
		}
	})
}

func TestLoggerExtractor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.New(
		logger.WithOutput(&buf),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)

	log.InfoContext(requestid.WithContext(context.Background(), "req-1"), "with id")
	log.InfoContext(context.Background(), "without id")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"request_id":"req-1"`)
	assert.NotContains(t, lines[1], "request_id")
}
