package delivery

import (
	"net/http"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrUnknownChannel, Status: http.StatusBadRequest, Message: "unknown channel"},
}

// Handler serves provider status for operators.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new delivery handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers provider routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/providers", h.ListProviders)
}

// ListProviders handles GET /providers?channel=.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(r.URL.Query().Get("channel"))

	providers, err := h.registry.ListProviders(r.Context(), channel)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, providers)
}
