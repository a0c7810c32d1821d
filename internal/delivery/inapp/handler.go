package inapp

import (
	"net/http"
	"strconv"

	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrMessageNotFound, Status: http.StatusNotFound, Message: "message not found"},
}

// Handler exposes recipient inboxes.
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a new inbox handler.
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

// RegisterRoutes registers inbox routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/recipients/{id}/inbox", h.ListInbox)
}

// RegisterOperatorRoutes registers routes that modify inbox state.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/inbox/{id}/read", h.MarkRead)
}

// ListInbox handles GET /recipients/{id}/inbox?unread=&limit=.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.adapter.Inbox(r.Context(), chi.URLParam(r, "id"), unread, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, messages)
}

// MarkRead handles POST /inbox/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.adapter.MarkRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.NoContent(w)
}
