package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/notifyq/internal/pkg/httputil"
	"github.com/bissquit/notifyq/internal/templates"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict},
	{Error: ErrStatusChanged, Status: http.StatusConflict},
	{Error: ErrNoRecipients, Status: http.StatusBadRequest},
	{Error: ErrInvalidChannel, Status: http.StatusBadRequest},
	{Error: ErrChannelNotConfigured, Status: http.StatusUnprocessableEntity},
	{Error: ErrNotApproved, Status: http.StatusForbidden},
	{Error: ErrInvalidDelay, Status: http.StatusBadRequest},
	{Error: ErrInvalidStatus, Status: http.StatusBadRequest},
	{Error: ErrInvalidRetention, Status: http.StatusBadRequest},
	{Error: ErrEmptyBatch, Status: http.StatusBadRequest},
	{Error: ErrMissingContent, Status: http.StatusBadRequest},
	{Error: templates.ErrUnknownVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrDuplicateVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrInvalidVariable, Status: http.StatusBadRequest},
	{Error: templates.ErrMissingValue, Status: http.StatusBadRequest},
	{Error: templates.ErrInvalidValue, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for the queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: httputil.NewValidator(),
	}
}

// RegisterRoutes registers read-only queue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/queue/items", h.ListItems)
	r.Get("/queue/items/{id}", h.GetItem)
	r.Get("/queue/stats", h.GetStats)
}

// RegisterOperatorRoutes registers routes that require operator role.
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/queue/items", h.Enqueue)
	r.Post("/queue/batches", h.EnqueueBatch)
	r.Post("/queue/scheduled", h.ScheduleOnce)
	r.Post("/queue/items/{id}/cancel", h.Cancel)
	r.Post("/queue/items/{id}/retry", h.Retry)
	r.Post("/queue/pause", h.Pause)
	r.Post("/queue/resume", h.Resume)
	r.Post("/queue/purge", h.Purge)
}

// EnqueueBatchRequest represents the request body for a batch enqueue.
type EnqueueBatchRequest struct {
	Items []EnqueueRequest `json:"items" validate:"required,min=1,max=1000,dive"`
}

// ScheduleOnceRequest represents the request body for a one-off scheduled send.
type ScheduleOnceRequest struct {
	EnqueueRequest
	At time.Time `json:"at" validate:"required"`
}

// PurgeRequest represents the request body for a manual purge.
type PurgeRequest struct {
	Days int `json:"days" validate:"required,min=1"`
}

// EnqueueResponse acknowledges accepted work.
type EnqueueResponse struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	NotBefore time.Time `json:"not_before"`
}

// BatchResponse acknowledges an accepted batch.
type BatchResponse struct {
	BatchID string            `json:"batch_id"`
	Items   []EnqueueResponse `json:"items"`
}

// PurgeResponse reports how many items were removed.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// StateResponse reports the processor state.
type StateResponse struct {
	Paused bool `json:"paused"`
}

func ack(item *Item) EnqueueResponse {
	return EnqueueResponse{ID: item.ID, Status: item.Status, NotBefore: item.NotBefore}
}

// Enqueue handles POST /queue/items.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, ack(item))
}

// EnqueueBatch handles POST /queue/batches.
func (h *Handler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req EnqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	batchID, items, err := h.service.EnqueueBatch(r.Context(), req.Items)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := BatchResponse{BatchID: batchID, Items: make([]EnqueueResponse, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, ack(item))
	}
	httputil.Success(w, http.StatusAccepted, resp)
}

// ScheduleOnce handles POST /queue/scheduled.
func (h *Handler) ScheduleOnce(w http.ResponseWriter, r *http.Request) {
	var req ScheduleOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	item, err := h.service.ScheduleOnce(r.Context(), req.EnqueueRequest, req.At)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, ack(item))
}

// ListItems handles GET /queue/items?status=&batch_id=&limit=.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{
		Status:  Status(q.Get("status")),
		BatchID: q.Get("batch_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	items, err := h.service.List(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /queue/items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// GetStats handles GET /queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// Cancel handles POST /queue/items/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// Retry handles POST /queue/items/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// Pause handles POST /queue/pause.
func (h *Handler) Pause(w http.ResponseWriter, _ *http.Request) {
	h.service.Pause()
	httputil.Success(w, http.StatusOK, StateResponse{Paused: true})
}

// Resume handles POST /queue/resume.
func (h *Handler) Resume(w http.ResponseWriter, _ *http.Request) {
	h.service.Resume()
	httputil.Success(w, http.StatusOK, StateResponse{Paused: false})
}

// Purge handles POST /queue/purge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	n, err := h.service.Purge(r.Context(), req.Days)
	if err != nil {
		if errors.Is(err, ErrInvalidRetention) {
			httputil.ValidationError(w, err)
			return
		}
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, PurgeResponse{Purged: n})
}
