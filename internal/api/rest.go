// Package api is the HTTP surface of taskd.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/CZERTAINLY/taskd/internal/buffer"
	"github.com/CZERTAINLY/taskd/internal/catalog"
	"github.com/CZERTAINLY/taskd/internal/history"
	"github.com/CZERTAINLY/taskd/internal/model"
)

// Service is what the handlers need from the dispatcher.
type Service interface {
	Submit(ctx context.Context, req model.Request) (model.Task, error)
	Cancel(ctx context.Context, id string) error
	Status(id string) (model.Task, error)
	Output(id string, since int64) (buffer.Slice, error)
	Buffer(id string) (*buffer.Buffer, error)
	List(f model.Filter) []model.Task
	Summary(f model.Filter) model.Summary
	Operations() []catalog.Entry
	History(ctx context.Context, id string) (history.Record, error)
}

// REST handles HTTP requests.
type REST struct {
	svc    Service
	logger *slog.Logger
}

func NewREST(svc Service, logger *slog.Logger) *REST {
	return &REST{svc: svc, logger: logger}
}

// NewRouter returns the complete, instrumented HTTP handler.
func NewRouter(svc Service, logger *slog.Logger) http.Handler {
	h := NewREST(svc, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(logger))
	r.Use(MaxBodySize(1 << 20))
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", h.Catalog)
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/output", h.GetOutput)
		r.Get("/tasks/{id}/stream", h.StreamOutput)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Get("/history/{id}", h.GetHistory)
	})
	return otelhttp.NewHandler(r, "taskd")
}

// BusyResponse is the 409 body.
type BusyResponse struct {
	Error       string `json:"error"`
	ResourceKey string `json:"resource_key"`
	TaskID      string `json:"task_id"`
}

// ListResponse is the GET /api/v1/tasks body.
type ListResponse struct {
	Summary model.Summary `json:"summary"`
	Tasks   []model.Task  `json:"tasks"`
}

// EncodingBase64 marks data which is not valid UTF-8, typically a chunk
// ending or starting inside a multibyte character.
const EncodingBase64 = "base64"

// Chunk is buffer.Chunk on the wire. Data is the text itself, or its base64
// form when Encoding is EncodingBase64.
type Chunk struct {
	Offset   int64  `json:"offset"`
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

func NewChunk(c buffer.Chunk) Chunk {
	data, enc := encode(c.Data)
	return Chunk{Offset: c.Offset, Data: data, Encoding: enc}
}

// Bytes returns the output exactly as the process wrote it.
func (c Chunk) Bytes() ([]byte, error) {
	return decode(c.Data, c.Encoding)
}

func encode(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), ""
	}
	return base64.StdEncoding.EncodeToString(b), EncodingBase64
}

func decode(data, enc string) ([]byte, error) {
	switch enc {
	case "":
		return []byte(data), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(data)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// OutputResponse is the GET /api/v1/tasks/{id}/output body.
type OutputResponse struct {
	Chunks     []Chunk `json:"chunks"`
	NextOffset int64   `json:"next_offset"`
	IsFinal    bool    `json:"is_final"`
}

func newOutputResponse(s buffer.Slice) OutputResponse {
	resp := OutputResponse{
		Chunks:     make([]Chunk, len(s.Chunks)),
		NextOffset: s.Next,
		IsFinal:    s.Final,
	}
	for i, c := range s.Chunks {
		resp.Chunks[i] = NewChunk(c)
	}
	return resp
}

// StatusResponse is the body of cancel and health endpoints.
type StatusResponse struct {
	Status string `json:"status"`
}

// HistoryResponse is the GET /api/v1/history/{id} body.
type HistoryResponse struct {
	Task     model.Task `json:"task"`
	Output   string     `json:"output"`
	Encoding string     `json:"encoding,omitempty"` // as in Chunk
}

// CatalogResponse is the GET /api/v1/catalog body.
type CatalogResponse struct {
	Types []catalog.Entry `json:"types"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req model.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	task, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		var busy *model.ResourceBusyError
		if errors.As(err, &busy) {
			writeJSON(w, http.StatusConflict, BusyResponse{
				Error:       err.Error(),
				ResourceKey: busy.ResourceKey,
				TaskID:      busy.TaskID,
			})
			return
		}
		h.writeErr(r.Context(), w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/tasks/"+task.ID)
	writeJSON(w, http.StatusAccepted, task)
}

// ListTasks handles GET /api/v1/tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	f := model.Filter{
		State: model.State(r.URL.Query().Get("state")),
		Type:  r.URL.Query().Get("type"),
	}
	switch f.State {
	case "", model.StateQueued, model.StateRunning, model.StateSucceeded, model.StateFailed, model.StateCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(string(f.State)))
		return
	}

	tasks := h.svc.List(f)
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Summary: h.svc.Summary(f),
		Tasks:   tasks,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetOutput handles GET /api/v1/tasks/{id}/output?since=N.
func (h *REST) GetOutput(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slice, err := h.svc.Output(chi.URLParam(r, "id"), since)
	if err != nil {
		h.writeErr(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutputResponse(slice))
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, StatusResponse{Status: "cancelling"})
	case errors.Is(err, model.ErrAlreadyTerminal):
		writeJSON(w, http.StatusOK, StatusResponse{Status: "already_terminal"})
	default:
		h.writeErr(r.Context(), w, err)
	}
}

// GetHistory handles GET /api/v1/history/{id}.
func (h *REST) GetHistory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(r.Context(), w, err)
		return
	}
	out, enc := encode(rec.Output)
	writeJSON(w, http.StatusOK, HistoryResponse{Task: rec.Task, Output: out, Encoding: enc})
}

// Catalog handles GET /api/v1/catalog.
func (h *REST) Catalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CatalogResponse{Types: h.svc.Operations()})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func sinceParam(r *http.Request) (int64, error) {
	s := r.URL.Query().Get("since")
	if s == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid since: " + strconv.Quote(s))
	}
	return since, nil
}

// writeErr maps model errors to status codes.
func (h *REST) writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrResourceBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.ErrorContext(ctx, "request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
