package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 32 << 20

// Handler serves the kvgo HTTP API.
type Handler struct {
	db     *kvgo.DB
	logger *kvgo.Logger
}

// NewHandler returns a handler backed by db.
func NewHandler(db *kvgo.DB, logger *kvgo.Logger) *Handler {
	return &Handler{db: db, logger: logger.WithComponent("http")}
}

// Routes returns the router of the API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/kv/{key}", h.get)
		r.Put("/kv/{key}", h.put)
		r.Delete("/kv/{key}", h.delete)
		r.Get("/scan", h.scan)
		r.Post("/batch", h.batch)
		r.Post("/compact", h.compact)
	})
	return r
}

// EntryResponse is a key with its value.
type EntryResponse struct {
	Key   string      `json:"key"`
	Value model.Value `json:"value"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// BatchRequest is the body of POST /v1/batch.
type BatchRequest struct {
	Mode           string    `json:"mode"`
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
	Ops            []BatchOp `json:"ops"`
}

// BatchOp is one operation of a batch. Text is a shorthand for a raw
// string value.
type BatchOp struct {
	Op    string       `json:"op"`
	Key   string       `json:"key"`
	Value *model.Value `json:"value,omitempty"`
	Text  *string      `json:"text,omitempty"`
}

// BatchResponse reports the outcome of a batch.
type BatchResponse struct {
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Results   []BatchOpResult `json:"results"`
	Duration  string          `json:"duration"`
}

// BatchOpResult is the outcome of one batch operation.
type BatchOpResult struct {
	Index int            `json:"index"`
	Key   string         `json:"key"`
	Error *ErrorResponse `json:"error,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	m := h.db.HealthCheck()
	status := http.StatusOK
	if !m.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, m)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	v, err := h.db.Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, EntryResponse{Key: key.String(), Value: v})
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return
	}

	value := model.RawValue(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			h.writeStatus(w, http.StatusBadRequest, err)
			return
		}
		value = model.StructuredValue(fields)
	}

	if err := h.db.Set(r.Context(), key, value); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(w, r)
	if !ok {
		return
	}
	if err := h.db.Delete(r.Context(), key); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := model.ParseKey(q.Get("start"))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	end, err := model.ParseKey(q.Get("end"))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			h.writeStatus(w, http.StatusBadRequest, err)
			return
		}
	}

	entries, err := h.db.Collect(r.Context(), start, end, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]EntryResponse, len(entries))
	for i, e := range entries {
		out[i] = EntryResponse{Key: e.Key.String(), Value: e.Value}
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	mode, err := model.ParseBatchMode(req.Mode, req.MaxConcurrency)
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return
	}
	ops := make([]model.Operation, len(req.Ops))
	for i, o := range req.Ops {
		if ops[i], err = o.operation(); err != nil {
			h.writeStatus(w, http.StatusBadRequest, err)
			return
		}
	}

	res := h.db.BatchExecute(r.Context(), ops, mode)
	resp := BatchResponse{
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Results:   make([]BatchOpResult, len(res.Results)),
		Duration:  res.Duration.String(),
	}
	for i, or := range res.Results {
		resp.Results[i] = BatchOpResult{Index: or.Index, Key: or.Key.String()}
		if or.Err != nil {
			e := errorResponse(or.Err)
			resp.Results[i].Error = &e
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (o BatchOp) operation() (model.Operation, error) {
	kind, err := model.ParseOpKind(o.Op)
	if err != nil {
		return model.Operation{}, err
	}
	key, err := model.ParseKey(o.Key)
	if err != nil {
		return model.Operation{}, err
	}
	value := o.Value
	if value == nil && o.Text != nil {
		v := model.StringValue(*o.Text)
		value = &v
	}

	var op model.Operation
	switch kind {
	case model.OpInsert, model.OpUpdate, model.OpUpsert:
		if value == nil {
			return model.Operation{}, errors.New(o.Op + " without value")
		}
		switch kind {
		case model.OpInsert:
			op = model.Insert(key, *value)
		case model.OpUpdate:
			op = model.Update(key, *value)
		default:
			op = model.Upsert(key, *value)
		}
	case model.OpDelete:
		op = model.Delete(key)
	default:
		return model.Operation{}, errors.New("unsupported batch op " + o.Op)
	}
	return op, nil
}

func (h *Handler) compact(w http.ResponseWriter, r *http.Request) {
	report, err := h.db.Compact(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) key(w http.ResponseWriter, r *http.Request) (model.Key, bool) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return model.Key{}, false
	}
	k, err := model.ParseKey(raw)
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, err)
		return model.Key{}, false
	}
	return k, true
}

func statusOf(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	kind, ok := kvgo.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case kvgo.KindKeyNotFound:
		return http.StatusNotFound
	case kvgo.KindConstraint, kvgo.KindConcurrency:
		return http.StatusConflict
	case kvgo.KindInvalidArgument, kvgo.KindSerialization:
		return http.StatusBadRequest
	case kvgo.KindResourceExhausted, kvgo.KindClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Retryable: kvgo.IsRetryable(err)}
	if kind, ok := kvgo.KindOf(err); ok {
		resp.Kind = kind.String()
	}
	return resp
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	h.writeJSON(w, status, errorResponse(err))
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", "error", err)
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}
