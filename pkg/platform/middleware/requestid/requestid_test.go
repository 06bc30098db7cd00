package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"odmflush/pkg/platform/middleware/requesttime"
	"odmflush/pkg/requestcontext"
)

func TestMiddleware(t *testing.T) {
	var seen string
	var at time.Time
	h := Middleware(requesttime.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestcontext.RequestID(r.Context())
		at = requestcontext.Now(r.Context())
	})))

	t.Run("incoming id is kept", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(Header, "req-42")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", w.Header().Get(Header))
		assert.False(t, at.IsZero())
	})

	t.Run("missing or oversized id is replaced", func(t *testing.T) {
		for _, incoming := range []string{"", strings.Repeat("x", maxLength+1)} {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set(Header, incoming)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Len(t, seen, 36)
			assert.Equal(t, seen, w.Header().Get(Header))
		}
	})
}
