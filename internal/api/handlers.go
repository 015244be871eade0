package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"taskrelay/internal/auth"
	"taskrelay/internal/domain"
	"taskrelay/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Tasks is the submission and query/control surface behind the routes.
type Tasks interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (string, error)
	Status(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error)
	ListActive(ctx context.Context, ownerID string) ([]domain.TaskRecord, error)
	Cancel(ctx context.Context, id, ownerID string) (*domain.TaskRecord, error)
}

type submitReq struct {
	Category   domain.Category `json:"category"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TotalItems int             `json:"total_items"`
	MaxRetries *int            `json:"max_retries,omitempty"`
}

type submitResp struct {
	TaskID string `json:"task_id"`
}

type listResp struct {
	Tasks []domain.TaskView `json:"tasks"`
}

type cancelResp struct {
	TaskID          string            `json:"task_id"`
	Status          domain.TaskStatus `json:"status"`
	CancelRequested bool              `json:"cancel_requested"`
}

type handler struct {
	tasks  Tasks
	health func(ctx context.Context) error
	now    func() time.Time
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	var req submitReq
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	id, err := h.tasks.Submit(r.Context(), usecase.SubmitRequest{
		OwnerID:    owner,
		Category:   req.Category,
		Kind:       req.Kind,
		Payload:    req.Payload,
		TotalItems: req.TotalItems,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/tasks/"+id)
	respondJSON(w, r, http.StatusAccepted, submitResp{TaskID: id})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	recs, err := h.tasks.ListActive(r.Context(), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}
	now := h.now()
	views := make([]domain.TaskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, rec.View(now))
	}
	respondJSON(w, r, http.StatusOK, listResp{Tasks: views})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	rec, err := h.tasks.Status(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, rec.View(h.now()))
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	rec, err := h.tasks.Cancel(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusAccepted, cancelResp{
		TaskID:          rec.ID,
		Status:          rec.Status,
		CancelRequested: rec.CancelRequested,
	})
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			respondJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
