package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"odmflush/internal/issue"
	dErrors "odmflush/pkg/domain-errors"
	"odmflush/pkg/platform/httputil"
	"odmflush/pkg/requestcontext"
)

// Service defines the issue operations the handler needs.
type Service interface {
	Create(ctx context.Context, title string) (*issue.View, error)
	Get(ctx context.Context, id string) (*issue.View, error)
	FindByTitle(ctx context.Context, title string) (*issue.View, error)
	Update(ctx context.Context, id string, changes issue.Changes) (*issue.View, error)
	Delete(ctx context.Context, id string) error
}

// Handler wires issue endpoints to the issue service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Register mounts issue endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/issues", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleFind)
		r.Get("/{id}", h.HandleGet)
		r.Patch("/{id}", h.HandleUpdate)
		r.Delete("/{id}", h.HandleDelete)
	})
}

// HandleCreate handles POST /issues.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateIssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	view, err := h.service.Create(ctx, req.Title)
	if err != nil {
		h.fail(ctx, w, "create issue failed", err, "title", req.Title)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

// HandleFind handles GET /issues?title=.
func (h *Handler) HandleFind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "title query parameter is required"))
		return
	}
	view, err := h.service.FindByTitle(ctx, title)
	if err != nil {
		h.fail(ctx, w, "find issue failed", err, "title", title)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// HandleGet handles GET /issues/{id}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	view, err := h.service.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, "get issue failed", err, "issue_id", id)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// HandleUpdate handles PATCH /issues/{id}. A rejected write leaves the stored
// issue untouched and answers with the rejection.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id := chi.URLParam(r, "id")
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[UpdateIssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	view, err := h.service.Update(ctx, id, req.Changes())
	if err != nil {
		h.fail(ctx, w, "update issue failed", err, "issue_id", id)
		return
	}
	h.logger.InfoContext(ctx, "issue updated",
		"request_id", requestID,
		"issue_id", id,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, view)
}

// HandleDelete handles DELETE /issues/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(ctx, id); err != nil {
		h.fail(ctx, w, "delete issue failed", err, "issue_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error, attrs ...any) {
	attrs = append(attrs,
		"request_id", requestcontext.RequestID(ctx),
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	)
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.InfoContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
