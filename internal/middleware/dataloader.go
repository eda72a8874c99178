package middleware

import (
	"net/http"

	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/versioning"
)

// DataLoaderMiddleware attaches fresh request-scoped loaders and a fresh edit
// session to the request context, so coalescing state never outlives a request.
func DataLoaderMiddleware(store repository.Store, registry *versioning.Registry, opts ...entityloader.Option) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := entityloader.WithLoaders(r.Context(), entityloader.New(store, registry, opts...))
			ctx = versioning.ContextWithSession(ctx, versioning.NewEditSession())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
