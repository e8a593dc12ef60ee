package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/mattjoyce/studiobridge/internal/executor"
	"github.com/mattjoyce/studiobridge/internal/fault"
	"github.com/mattjoyce/studiobridge/internal/log"
	"github.com/mattjoyce/studiobridge/internal/planner"
)

// handleTemplates handles GET /bridge/assistant/templates.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	providers := []string{}
	if s.deps.Planner != nil {
		providers = append(providers, s.deps.Planner.Providers()...)
		sort.Strings(providers)
	}
	respondJSON(w, http.StatusOK, TemplatesResponse{
		Status:    "ok",
		Templates: planner.Templates(),
		Providers: providers,
	})
}

// handlePlan handles POST /bridge/assistant/plan. Nothing is queued.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := checkPlanRequest(req); err != nil {
		s.writeFault(w, err)
		return
	}

	plan, err := s.deps.Planner.Generate(r.Context(), req)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PlanResponse{Status: "ok", Plan: plan})
}

// handleExecute handles POST /bridge/assistant/execute. A supplied plan is
// re-validated and run; otherwise one is generated from the prompt first.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}

	plan := req.Plan
	if plan == nil {
		if err := checkPlanRequest(req.Request); err != nil {
			s.writeFault(w, err)
			return
		}
		generated, err := s.deps.Planner.Generate(r.Context(), req.Request)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		plan = generated
	}

	handle, err := s.deps.Executor.Execute(r.Context(), plan, executor.Options{
		AllowDangerous:    req.AllowDangerous,
		IdempotencyPrefix: req.IdempotencyPrefix,
		Priority:          req.Priority,
		ExpiresInMS:       req.ExpiresInMS,
	})
	if err != nil {
		var gate *executor.GateError
		if errors.As(err, &gate) {
			log.WithPlan(plan.ID).Warn("plan blocked by risk gate", "blocked_steps", len(gate.Steps))
			respondJSON(w, fault.HTTPStatus(err), BlockedResponse{
				Status:  "error",
				Error:   err.Error(),
				Code:    fault.Code(err),
				Blocked: gate.Steps,
				Plan:    plan,
			})
			return
		}
		s.writeFault(w, err)
		return
	}

	status := http.StatusAccepted
	if handle.QueuedCount == 0 {
		status = http.StatusOK
	}
	respondJSON(w, status, ExecuteResponse{Status: "queued", Plan: plan, Handle: handle})
}

func checkPlanRequest(req planner.Request) error {
	if strings.TrimSpace(req.Prompt) == "" && strings.TrimSpace(req.Template) == "" {
		return fmt.Errorf("%w: prompt or template is required", fault.ErrValidation)
	}
	return nil
}
