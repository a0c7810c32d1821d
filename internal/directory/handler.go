package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRecipientNotFound, Status: http.StatusNotFound},
}

// Invalidator drops cached recipients.
type Invalidator interface {
	Invalidate(ctx context.Context, ids ...string) error
}

// Handler manages directory entries over HTTP.
type Handler struct {
	store       Store
	resolver    Resolver
	invalidator Invalidator
	validator   *validator.Validate
}

// NewHandler creates a new directory handler. resolver serves reads and may
// be a cache in front of store; invalidator may be nil.
func NewHandler(store Store, resolver Resolver, invalidator Invalidator) *Handler {
	return &Handler{
		store:       store,
		resolver:    resolver,
		invalidator: invalidator,
		validator:   httputil.NewValidator(),
	}
}

// RegisterRoutes registers read-only directory routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/recipients/{id}", h.GetRecipient)
}

// RegisterOperatorRoutes registers routes that modify the directory.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Put("/recipients/{id}", h.PutRecipient)
}

// RecipientRequest represents the request body for creating or replacing a recipient.
type RecipientRequest struct {
	Name        string   `json:"name" validate:"required,max=200"`
	Email       string   `json:"email,omitempty" validate:"omitempty,email"`
	ChatAddress string   `json:"chat_address,omitempty" validate:"omitempty,max=64"`
	Locale      string   `json:"locale,omitempty" validate:"omitempty,bcp47_language_tag"`
	Tags        []string `json:"tags,omitempty" validate:"omitempty,dive,required,max=64"`
	Active      *bool    `json:"active,omitempty"`
}

// GetRecipient handles GET /recipients/{id}.
func (h *Handler) GetRecipient(w http.ResponseWriter, r *http.Request) {
	found, _, err := h.resolver.Resolve(r.Context(), []string{chi.URLParam(r, "id")})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if len(found) == 0 {
		httputil.HandleError(r.Context(), w, ErrRecipientNotFound, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, found[0])
}

// PutRecipient handles PUT /recipients/{id}.
func (h *Handler) PutRecipient(w http.ResponseWriter, r *http.Request) {
	var req RecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	rec := &domain.Recipient{
		ID:          chi.URLParam(r, "id"),
		Name:        req.Name,
		Email:       req.Email,
		ChatAddress: req.ChatAddress,
		Locale:      req.Locale,
		Tags:        req.Tags,
		Active:      req.Active == nil || *req.Active,
	}

	if err := h.store.Upsert(r.Context(), rec); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(r.Context(), rec.ID); err != nil {
			slog.Warn("failed to invalidate cached recipient", "recipient_id", rec.ID, "error", err)
		}
	}

	httputil.Success(w, http.StatusOK, rec)
}
