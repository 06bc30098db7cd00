// Package requestid tags every request with an id that flows into logs and
// flush events.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"odmflush/pkg/requestcontext"
)

// Header carries the request id in and out.
const Header = "X-Request-ID"

const maxLength = 128

// Middleware reuses a well-formed incoming id or generates one, stores it in the
// context and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > maxLength {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(requestcontext.WithRequestID(r.Context(), id)))
	})
}
