package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/protocol"
	"github.com/mattjoyce/studiobridge/internal/queue"
)

const (
	maxBodyBytes       = 8 << 20
	defaultRecentLimit = 50
	maxRecentLimit     = 500
	maxBatchSubmit     = 500
)

// Top-level keys of a per-route submission that configure the command rather
// than feed its payload.
var routeControlKeys = []string{"priority", "idempotency_key", "expires_in_ms", "expires_at", "metadata"}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute queue depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:         "ok",
		Service:        "studiobridge",
		Version:        Version,
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:     depth,
		APIKeyEnabled:  s.authEnabled(),
		EventListeners: s.deps.Events.Subscribers(),
	})
}

// handleSubmit handles POST /bridge/command.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		s.writeFault(w, fmt.Errorf("%w: route and action are required", fault.ErrValidation))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.deps.Dispatch.Submit(r.Context(), req.toSubmit(requestedBy(r)))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeSubmit(w, res)
}

// handleRouteSubmit handles POST /bridge/{route} for one catalog entry. The
// body is the payload; control keys are lifted out of it.
func (s *Server) handleRouteSubmit(entry catalog.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if err := decodeBody(r, &body); err != nil {
			s.writeFault(w, err)
			return
		}

		req, err := commandFromBody(entry, body)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = r.Header.Get("Idempotency-Key")
		}

		res, err := s.deps.Dispatch.Submit(r.Context(), req.toSubmit(requestedBy(r)))
		if err != nil {
			s.writeFault(w, err)
			return
		}
		s.writeSubmit(w, res)
	}
}

// handleSubmitBatch handles POST /bridge/commands/batch.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if len(req.Commands) == 0 {
		s.writeFault(w, fmt.Errorf("%w: commands[] is required", fault.ErrValidation))
		return
	}
	if len(req.Commands) > maxBatchSubmit {
		s.writeFault(w, fmt.Errorf("%w: at most %d commands per batch", fault.ErrValidation, maxBatchSubmit))
		return
	}

	by := requestedBy(r)
	reqs := make([]queue.SubmitRequest, 0, len(req.Commands))
	for i, c := range req.Commands {
		if strings.TrimSpace(c.Action) == "" {
			s.writeFault(w, fmt.Errorf("%w: commands[%d]: route and action are required", fault.ErrValidation, i))
			return
		}
		reqs = append(reqs, c.toSubmit(by))
	}

	results, err := s.deps.Dispatch.SubmitBatch(r.Context(), reqs)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	resp := BatchResponse{Status: "queued", Count: len(results), CommandIDs: make([]string, 0, len(results))}
	for _, res := range results {
		resp.CommandIDs = append(resp.CommandIDs, res.Record.ID)
		if res.Deduped {
			resp.DedupedCount++
		}
	}
	status := http.StatusAccepted
	if resp.DedupedCount == resp.Count {
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

// handleStatus handles GET /bridge/commands/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatch.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CommandResponse{Status: "ok", Command: rec})
}

// handleHistory handles GET /bridge/commands/{id}/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	transitions, err := s.deps.Dispatch.History(r.Context(), id)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Status: "ok", CommandID: id, Transitions: transitions})
}

// handleRecent handles GET /bridge/commands/recent.
func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), defaultRecentLimit, maxRecentLimit)
	recs, err := s.deps.Queue.ListRecent(r.Context(), limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, RecentResponse{Status: "ok", Count: len(recs), Commands: recs})
}

// handleRequeue handles POST /bridge/commands/{id}/requeue.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Dispatch.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CommandResponse{Status: "ok", Command: rec})
}

// handleStats handles GET /bridge/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatsResponse{Status: "ok", Stats: stats})
}

// handlePull handles GET /bridge/commands (worker).
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	workerID := strings.TrimSpace(r.URL.Query().Get("worker_id"))
	if workerID == "" {
		workerID = strings.TrimSpace(r.Header.Get("X-Worker-Id"))
	}
	if workerID == "" {
		workerID = "studio"
	}
	limit := parseLimit(r.URL.Query().Get("limit"), s.config.DefaultPullLimit, s.config.MaxPullLimit)

	resp, err := s.deps.Dispatch.Pull(r.Context(), workerID, limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleReport handles POST /bridge/results (worker).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := protocol.DecodeReport(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeFault(w, fmt.Errorf("%w: %v", fault.ErrValidation, err))
		return
	}

	res, err := s.deps.Dispatch.Report(r.Context(), *rep)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ReportResponse{
		Status:        "ok",
		CommandID:     res.Record.ID,
		CommandStatus: string(res.Record.State),
		Duplicate:     res.Duplicate,
	})
}

// handleReportBatch handles POST /bridge/results/batch (worker). Item
// failures are reported per outcome; the response is 200 unless the body
// itself is malformed.
func (s *Server) handleReportBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := protocol.DecodeReportBatch(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeFault(w, fmt.Errorf("%w: %v", fault.ErrValidation, err))
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Dispatch.ReportBatch(r.Context(), batch.Results))
}

// handleScene handles GET /bridge/introspection/scene.
func (s *Server) handleScene(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Scene.Get(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"snapshot":   snap.Data,
		"command_id": snap.CommandID,
		"updated_at": snap.UpdatedAt,
	})
}

// handleCatalog handles GET /bridge/catalog.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Catalog.List()
	resp := CatalogResponse{
		Status:     "ok",
		Categories: s.deps.Catalog.Categories(),
		Routes:     make([]CatalogRoute, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Routes = append(resp.Routes, CatalogRoute{Entry: e, Path: "/bridge/" + e.Route, Schema: e.Schema()})
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /bridge/openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.deps.Catalog))
}

func (c CommandRequest) toSubmit(requestedBy string) queue.SubmitRequest {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["requested_by"]; !ok && requestedBy != "" {
		metadata["requested_by"] = requestedBy
	}
	return queue.SubmitRequest{
		Route:          c.Route,
		Category:       c.Category,
		Action:         c.Action,
		Payload:        c.Payload,
		Metadata:       metadata,
		Priority:       c.Priority,
		IdempotencyKey: c.IdempotencyKey,
		ExpiresInMS:    c.ExpiresInMS,
		ExpiresAt:      c.ExpiresAt,
	}
}

// commandFromBody splits a per-route body into control fields and payload.
func commandFromBody(entry catalog.Entry, body map[string]any) (CommandRequest, error) {
	control := make(map[string]any, len(routeControlKeys))
	for _, k := range routeControlKeys {
		if v, ok := body[k]; ok {
			control[k] = v
			delete(body, k)
		}
	}

	// Re-decode the control keys so they get the same typing as /bridge/command.
	raw, err := json.Marshal(control)
	if err != nil {
		return CommandRequest{}, fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	var req CommandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return CommandRequest{}, fmt.Errorf("%w: %v", fault.ErrValidation, err)
	}
	req.Route = entry.Route
	req.Action = entry.Action
	req.Category = entry.Category
	req.Payload = body
	return req, nil
}

func requestedBy(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Request-By")); v != "" {
		return v
	}
	return "api"
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", fault.ErrValidation, err)
	}
	return nil
}

func parseLimit(v string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) writeSubmit(w http.ResponseWriter, res queue.SubmitResult) {
	resp := SubmitResponse{
		Status:    "queued",
		CommandID: res.Record.ID,
		Deduped:   res.Deduped,
		Command:   res.Record,
	}
	status := http.StatusAccepted
	if res.Deduped {
		resp.Status = "deduped"
		status = http.StatusOK
	}
	respondJSON(w, status, resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Status: "error", Error: message, Code: code})
}

// writeFault maps err through the fault taxonomy. Unclassified errors are
// logged and hidden behind a generic 500.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.writeError(w, status, fault.Code(err), "internal error")
		return
	}
	s.writeError(w, status, fault.Code(err), err.Error())
}
