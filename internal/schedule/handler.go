package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/bissquit/notifyq/internal/queue"
	"github.com/bissquit/notifyq/internal/templates"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrDefinitionNotFound, Status: http.StatusNotFound, Message: "schedule definition not found"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict},
	{Error: ErrStatusChanged, Status: http.StatusConflict},
	{Error: ErrInvalidSchedule, Status: http.StatusBadRequest},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest},
	{Error: ErrEmptyTarget, Status: http.StatusBadRequest},
	{Error: ErrNoFutureExecution, Status: http.StatusUnprocessableEntity},
	{Error: ErrMissingContent, Status: http.StatusBadRequest},
	{Error: queue.ErrInvalidChannel, Status: http.StatusBadRequest},
	{Error: templates.ErrUnknownVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrDuplicateVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrInvalidVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrMissingValue, Status: http.StatusBadRequest},
	{Error: templates.ErrInvalidValue, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for schedule definitions.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new schedule handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers read-only schedule routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/schedules", h.List)
	r.Get("/schedules/{id}", h.Get)
	r.Get("/schedules/{id}/upcoming", h.Upcoming)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/schedules", h.Create)
	r.Post("/schedules/{id}/pause", h.Pause)
	r.Post("/schedules/{id}/resume", h.Resume)
	r.Post("/schedules/{id}/cancel", h.Cancel)
}

// UpcomingResponse lists planned executions.
type UpcomingResponse struct {
	Executions []time.Time `json:"executions"`
}

// Create handles POST /schedules.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req DefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	def, err := h.service.DefineRecurring(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, def)
}

// List handles GET /schedules?status=&limit=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{Status: Status(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	defs, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, defs)
}

// Get handles GET /schedules/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	def, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, def)
}

// Upcoming handles GET /schedules/{id}/upcoming?count=.
func (h *Handler) Upcoming(w http.ResponseWriter, r *http.Request) {
	count := 5
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		count = n
	}

	executions, err := h.service.Preview(r.Context(), chi.URLParam(r, "id"), count)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, UpcomingResponse{Executions: executions})
}

// Pause handles POST /schedules/{id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Pause)
}

// Resume handles POST /schedules/{id}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Resume)
}

// Cancel handles POST /schedules/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id string) (*Definition, error),
) {
	def, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, def)
}
