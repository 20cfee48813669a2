// ABOUTME: HTTP API handlers exposing manager state, frames, goals, agent requests and the ledger
// ABOUTME: Routes are served by chi; API routes share the gRPC auth model

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/assets"
	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/manager"
	"github.com/2389/arena-gateway/internal/store"
	"github.com/2389/arena-gateway/internal/system"
)

// IdempotencyKeyHeader dedupes POST /api/goals.
const IdempotencyKeyHeader = "Idempotency-Key"

// GoalResponse is the JSON response for POST /api/goals.
type GoalResponse struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

// AgentRequestBody is the JSON request body for POST /api/agents/{id}/requests.
type AgentRequestBody struct {
	AgentMsg arena.RequestType `json:"agent_msg"`
}

// FramesResponse is the JSON response for GET /api/frames.
type FramesResponse struct {
	FrameIDs []string `json:"frame_ids"`
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.metrics != nil {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	// Dashboard shell; data routes below enforce auth
	r.Get("/", assets.IndexHandler().ServeHTTP)
	r.Handle("/static/*", http.StripPrefix("/static/", assets.FileServer()))

	r.Group(func(r chi.Router) {
		r.Use(g.authn.HTTPMiddleware())

		r.Route("/api", func(r chi.Router) {
			r.Get("/state", g.handleState)
			r.Get("/frames", g.handleFrames)
			r.Get("/goals", g.handleListGoals)
			r.With(auth.RequireOperatorHTTP()).Post("/goals", g.handlePublishGoal)
			r.Route("/agents/{id}", func(r chi.Router) {
				r.Post("/requests", g.handleAgentRequest)
				r.Get("/events", g.handleAgentEvents)
			})
			r.Route("/plans", func(r chi.Router) {
				r.Get("/", g.handleListPlans)
				r.Get("/{id}", g.handleGetPlan)
			})
		})
		r.Get("/ws/paths", g.handlePathsWebSocket)
	})

	return r
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// sendSystemError maps a system failure onto an HTTP status.
func (g *Gateway) sendSystemError(w http.ResponseWriter, err error) {
	if errors.Is(err, system.ErrClosed) {
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	g.sendJSONError(w, http.StatusInternalServerError, err.Error())
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the arena frame has been broadcast.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	arenaFrame := g.config.Planner.ArenaFrame
	if !g.system.Frames.HasFrame(arenaFrame) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "waiting for frame %s", arenaFrame)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d frames)", len(g.system.Frames.AllFrameIDs()))
}

func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.system.Manager.Snapshot())
}

func (g *Gateway) handleFrames(w http.ResponseWriter, r *http.Request) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		ids, err := g.system.FrameIDs(r.Context())
		if err != nil {
			g.sendSystemError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, FramesResponse{FrameIDs: ids})
	case "yaml":
		doc, err := g.system.Frames.AllFramesAsYAML()
		if err != nil {
			g.sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(doc))
	default:
		g.sendJSONError(w, http.StatusBadRequest, "unsupported format: "+format)
	}
}

// acceptGoal submits pos once per idempotency key. An empty key never dedupes.
func (g *Gateway) acceptGoal(ctx context.Context, key string, pos arena.Position, source string) (accepted, duplicate bool, err error) {
	accepted, duplicate = g.goalKeys.Do(key, func() bool {
		ok, acceptErr := g.system.AcceptGoal(ctx, pos, source)
		err = acceptErr
		return ok
	})
	return accepted, duplicate, err
}

func (g *Gateway) handlePublishGoal(w http.ResponseWriter, r *http.Request) {
	var pos arena.Position
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	accepted, duplicate, err := g.acceptGoal(r.Context(), r.Header.Get(IdempotencyKeyHeader), pos, manager.SourceHTTP)
	if err != nil {
		g.sendSystemError(w, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, GoalResponse{Accepted: accepted, Duplicate: duplicate})
}

func (g *Gateway) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if !auth.FromContext(r.Context()).CanSpeakFor(agentID) {
		g.sendJSONError(w, http.StatusForbidden, "not allowed to send requests for agent "+agentID)
		return
	}

	var body AgentRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.system.AgentRequest(r.Context(), arena.AgentRequest{AgentMsg: body.AgentMsg, AgentID: agentID})
	if err != nil {
		g.sendSystemError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// parseLimit reads the optional limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

// ledger returns the store, writing 503 when persistence is disabled.
func (g *Gateway) ledger(w http.ResponseWriter) (store.Store, bool) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "persistence disabled")
		return nil, false
	}
	return g.store, true
}

func (g *Gateway) handleListGoals(w http.ResponseWriter, r *http.Request) {
	s, ok := g.ledger(w)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	goals, err := s.ListGoals(r.Context(), limit)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if goals == nil {
		goals = []*store.Goal{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"goals": goals})
}

func (g *Gateway) handleListPlans(w http.ResponseWriter, r *http.Request) {
	s, ok := g.ledger(w)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	plans, err := s.ListPlans(r.Context(), limit)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plans == nil {
		plans = []*store.Plan{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (g *Gateway) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	s, ok := g.ledger(w)
	if !ok {
		return
	}
	plan, err := s.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, plan)
}

func (g *Gateway) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if !auth.FromContext(r.Context()).CanSpeakFor(agentID) {
		g.sendJSONError(w, http.StatusForbidden, "not allowed to read events of agent "+agentID)
		return
	}
	s, ok := g.ledger(w)
	if !ok {
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.ListAgentEvents(r.Context(), agentID, limit)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*store.AgentEvent{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
