package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
)

// ConflictHandler serves the resolution workflow routes.
type ConflictHandler struct {
	deps Dependencies
}

// NewConflictHandler creates a new conflict handler.
func NewConflictHandler(deps Dependencies) *ConflictHandler {
	return &ConflictHandler{deps: deps}
}

type escalateRequest struct {
	Priority string `json:"priority"`
}

type discussionRequest struct {
	Participants []string `json:"participants"`
}

type ignoreRequest struct {
	Reason string `json:"reason"`
}

type resolveResponse struct {
	Conflict  model.Conflict        `json:"conflict"`
	Aggregate model.AggregatedScore `json:"aggregate"`
}

// HandleList handles GET /sessions/{id}/conflicts. ?active=true limits the
// list to conflicts still awaiting a decision.
func (h *ConflictHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := h.deps.ListConflicts(r.Context(), mux.Vars(r)["id"], activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet handles GET /conflicts/{id}.
func (h *ConflictHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.GetConflict(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleEscalate handles POST /conflicts/{id}/escalate.
func (h *ConflictHandler) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if err := decode(r, "api.escalate", &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	c, err := h.deps.EscalateToHeadJudge(r.Context(), mux.Vars(r)["id"], req.Priority, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleDiscussion handles POST /conflicts/{id}/discussion.
func (h *ConflictHandler) HandleDiscussion(w http.ResponseWriter, r *http.Request) {
	var req discussionRequest
	if err := decode(r, "api.discussion", &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	c, err := h.deps.InitiateDiscussion(r.Context(), mux.Vars(r)["id"], req.Participants, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleResolve handles POST /conflicts/{id}/resolve.
func (h *ConflictHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	const op = "api.resolve"
	var req resolution.Request
	if err := decode(r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Method == "" {
		writeError(w, NewKind(op+": method is required", ErrBadRequest))
		return
	}
	actor, _ := ActorFrom(r.Context())
	out, err := h.deps.Resolve(r.Context(), mux.Vars(r)["id"], req, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Conflict: out.Conflict, Aggregate: out.Aggregate})
}

// HandleIgnore handles POST /conflicts/{id}/ignore.
func (h *ConflictHandler) HandleIgnore(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if err := decode(r, "api.ignore_conflict", &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	c, err := h.deps.IgnoreConflict(r.Context(), mux.Vars(r)["id"], req.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleIgnoreSubmission handles POST /submissions/{id}/ignore.
func (h *ConflictHandler) HandleIgnoreSubmission(w http.ResponseWriter, r *http.Request) {
	var req ignoreRequest
	if err := decode(r, "api.ignore_submission", &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	sub, err := h.deps.IgnoreSubmission(r.Context(), mux.Vars(r)["id"], req.Reason, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
