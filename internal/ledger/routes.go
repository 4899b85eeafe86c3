package ledger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	postRateLimit  = 30
	postRateWindow = time.Minute
)

// MountRoutes registers the ledger endpoints. Posting endpoints are rate
// limited since each call fans out to the external accounting service.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(postRateLimit, postRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Route("/ledger-lines", func(lr chi.Router) {
		lr.Get("/", h.List)
		lr.Get("/pending", h.Pending)
		lr.Post("/generate", h.Generate)
		lr.Get("/{id}", h.Get)
		lr.Post("/{id}/retry", h.Retry)
		lr.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/{id}/post", h.PostLine)
			gr.Post("/groups/{groupKey}/post", h.PostGroup)
		})
	})
	r.With(limiter).Post("/orders/{orderID}/post-entries", h.PostAllForOrder)
	r.Get("/external-entries", h.ExternalEntries)
	r.Get("/reconciliation", h.Reconcile)
}
