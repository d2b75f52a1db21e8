package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/engine"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/metrics"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/program"
)

const maxLaunches = 10000

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. The loader's
// OnChange callbacks are expected to load new configs into eng.
func New(eng *engine.Engine, loader *config.Loader) http.Handler {
	h := &Handler{eng: eng, loader: loader, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/launch", h.launch)
	h.mux.HandleFunc("GET /v1/graph", h.graph)
	h.mux.HandleFunc("GET /v1/graph/dot", h.dot)
	h.mux.HandleFunc("POST /v1/graph/reload", h.reload)
	h.mux.HandleFunc("PATCH /v1/nodes/{id}/memset", h.updateMemset)
	h.mux.HandleFunc("PATCH /v1/nodes/{id}/kernel", h.updateKernel)
	h.mux.HandleFunc("PATCH /v1/nodes/{id}/enabled", h.setEnabled)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

type launchRequest struct {
	Count int `json:"count"`
}

// POST /v1/launch — run the current program and return its buffers.
func (h *Handler) launch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
			return
		}
	}
	if req.Count < 0 || req.Count > maxLaunches {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be between 0 and %d", maxLaunches))
		return
	}
	res, err := h.eng.Run(r.Context(), req.Count)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /v1/graph — describe the loaded program.
func (h *Handler) graph(w http.ResponseWriter, r *http.Request) {
	info, err := h.eng.Info()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /v1/graph/dot — Graphviz export of the loaded graph.
func (h *Handler) dot(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.eng.WriteDot(&buf); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// POST /v1/graph/reload — re-read the program file and swap it in.
func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.loader.Reload()
	switch {
	case errors.Is(err, config.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"program":  cfg.Name,
		"ops":      len(cfg.Ops),
	})
}

type memsetRequest struct {
	Value *uint32 `json:"value"`
}

// PATCH /v1/nodes/{id}/memset — change the value a memset op writes.
func (h *Handler) updateMemset(w http.ResponseWriter, r *http.Request) {
	var req memsetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}
	id := r.PathValue("id")
	if err := h.eng.UpdateMemset(id, *req.Value); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "value": *req.Value})
}

type kernelRequest struct {
	Args []interface{} `json:"args"`
}

// PATCH /v1/nodes/{id}/kernel — rebind the arguments of a kernel op.
func (h *Handler) updateKernel(w http.ResponseWriter, r *http.Request) {
	var req kernelRequest
	if !decode(w, r, &req) {
		return
	}
	args, err := normalizeArgs(req.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := h.eng.UpdateKernelArgs(id, args); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "args": args})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// PATCH /v1/nodes/{id}/enabled — enable or disable an op.
func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	id := r.PathValue("id")
	if err := h.eng.SetEnabled(id, *req.Enabled); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": *req.Enabled})
}

// GET /healthz — always 200 while the process is up.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 without a program or when the stream queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.StreamQueueUtilization.Set(util)
	switch {
	case !h.eng.Ready():
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "no program loaded",
		})
	case util > 0.8:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "ready",
			"queue_utilization": util,
		})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return false
	}
	return true
}

// normalizeArgs turns JSON numbers into ints so they match program args.
func normalizeArgs(raw []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(raw))
	for i, a := range raw {
		switch a := a.(type) {
		case string:
			out[i] = a
		case float64:
			if a != math.Trunc(a) || a < math.MinInt32 || a > math.MaxInt32 {
				return nil, fmt.Errorf("args[%d]: %v is not an int32", i, a)
			}
			out[i] = int(a)
		default:
			return nil, fmt.Errorf("args[%d]: want buffer name or integer, got %T", i, a)
		}
	}
	return out, nil
}

// statusFor maps engine and graph errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNoProgram), errors.Is(err, engine.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, program.ErrUnknownOp):
		return http.StatusNotFound
	case errors.Is(err, cmdgraph.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, program.ErrWrongKind),
		errors.Is(err, cmdgraph.ErrInvalidArgument),
		errors.Is(err, cmdgraph.ErrKindMismatch),
		errors.Is(err, cmdgraph.ErrIncompatibleUpdate):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
