package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/avottero/taskchain/internal/plan"
)

type createPlanRequest struct {
	PlanID string          `json:"plan_id"`
	Tasks  []plan.TaskSpec `json:"tasks"`
}

type reorderRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

type executeRequest struct {
	Input string `json:"input"`
}

type cancelResponse struct {
	PlanID    string `json:"plan_id"`
	Cancelled bool   `json:"cancelled"`
}

type planResponse struct {
	plan.Plan
	Status plan.PlanStatus `json:"status"`
}

func toPlanResponse(p plan.Plan) planResponse {
	return planResponse{Plan: p, Status: plan.AggregateStatus(p.Tasks)}
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p, err := s.service.CreatePlan(req.PlanID, req.Tasks)
	if err != nil {
		respondError(w, http.StatusBadRequest, "plan_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toPlanResponse(p))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	plans := s.service.ListPlans(limit)
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, toPlanResponse(p))
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, ok := s.planFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(p))
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	var spec plan.TaskSpec
	if err := decodeJSON(r, &spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p, err := s.service.AddTask(planID, spec)
	if err != nil {
		respondEditorError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toPlanResponse(p))
}

func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	var patch plan.TaskPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p, err := s.service.EditTask(planID, taskID, patch)
	if err != nil {
		respondEditorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(p))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))

	p, err := s.service.DeleteTask(planID, taskID)
	if err != nil {
		respondEditorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(p))
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req reorderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.From == nil || req.To == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "from and to are required")
		return
	}

	p, err := s.service.Reorder(planID, *req.From, *req.To)
	if err != nil {
		respondEditorError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toPlanResponse(p))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.service.ExecutePlan(planID, req.Input); err != nil {
		if errors.Is(err, plan.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan_not_found", err.Error())
			return
		}
		respondError(w, http.StatusConflict, "execute_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"plan_id": planID,
		"started": true,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.service.CancelRun(planID); err != nil {
		respondError(w, http.StatusConflict, "cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cancelResponse{PlanID: planID, Cancelled: true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.service.ListEvents(planID, limit)
	if err != nil {
		if errors.Is(err, plan.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "list_events_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleEventsWS streams plan events over a websocket until the client goes
// away. Events published before the subscription started are not replayed;
// use the events list endpoint for history.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.service.GetPlan(planID); err != nil {
		respondError(w, http.StatusNotFound, "plan_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.service.Subscribe(planID)
	defer unsubscribe()

	// Reader goroutine only detects disconnects; clients do not send data.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-time.After(30 * time.Second):
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("httpapi: events ws ping failed for plan %s: %v", planID, err)
				return
			}
		}
	}
}

func (s *Server) planFromRequest(w http.ResponseWriter, r *http.Request) (plan.Plan, bool) {
	planID := strings.TrimSpace(chi.URLParam(r, "id"))
	if planID == "" {
		respondError(w, http.StatusBadRequest, "invalid_plan_id", "missing plan id")
		return plan.Plan{}, false
	}
	p, err := s.service.GetPlan(planID)
	if err != nil {
		if errors.Is(err, plan.ErrPlanNotFound) {
			respondError(w, http.StatusNotFound, "plan_not_found", err.Error())
			return plan.Plan{}, false
		}
		respondError(w, http.StatusInternalServerError, "plan_load_failed", err.Error())
		return plan.Plan{}, false
	}
	return p, true
}

func respondEditorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound), errors.Is(err, plan.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, plan.ErrRunActive):
		respondError(w, http.StatusConflict, "run_active", err.Error())
	case errors.Is(err, plan.ErrTaskFrozen):
		respondError(w, http.StatusConflict, "task_frozen", err.Error())
	case errors.Is(err, plan.ErrBadIndex):
		respondError(w, http.StatusBadRequest, "bad_index", err.Error())
	default:
		respondError(w, http.StatusBadRequest, "edit_failed", err.Error())
	}
}
