package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Request IDs are embedded in HTTP headers using this key.
// This is the standard key used for request Ids. For example, opentelemetry uses the same one.
const HeaderKey = "X-Request-Id"

type contextKey struct{}

// FromContext returns the request Id stored in a context, if one is available.
// The second return value is true if the operation was successful.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// FromContextOrMissing returns the request Id stored in a context, if one is available.
// If none is available, the string "missing" is returned.
func FromContextOrMissing(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return "missing"
}

// AddToContext returns a new context derived from ctx that is annotated with an Id.
func AddToContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware annotates incoming requests with an Id and echoes it in the response headers.
// The Id supplied by the client in the X-Request-Id header is used unless replace is true or none was
// supplied, in which case a random uuid is generated.
func Middleware(replace bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(HeaderKey)
			if id == "" || replace {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderKey, id)
			next.ServeHTTP(w, r.WithContext(AddToContext(r.Context(), id)))
		})
	}
}
