package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
)

// SessionHandler serves session lifecycle and read routes.
type SessionHandler struct {
	deps Dependencies
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(deps Dependencies) *SessionHandler {
	return &SessionHandler{deps: deps}
}

// HandleCreate handles POST /sessions.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	const op = "api.create_session"
	var req types.SessionRequest
	if err := decode(r, op, &req); err != nil {
		writeError(w, err)
		return
	}
	actor, _ := ActorFrom(r.Context())
	sess, err := h.deps.OpenSession(r.Context(), req, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// HandleList handles GET /sessions.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleGet handles GET /sessions/{id}.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.GetSession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleActivate handles POST /sessions/{id}/activate.
func (h *SessionHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	sess, err := h.deps.ActivateSession(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleComplete handles POST /sessions/{id}/complete.
func (h *SessionHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFrom(r.Context())
	sess, err := h.deps.CompleteSession(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleAggregates handles GET /sessions/{id}/aggregates. With team_id the
// single aggregate of that team (or of one criterion) is returned.
func (h *SessionHandler) HandleAggregates(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	q := r.URL.Query()
	if team := q.Get("team_id"); team != "" {
		agg, err := h.deps.Aggregate(r.Context(), model.AggregateKey{
			SessionID:   sessionID,
			TeamID:      team,
			CriterionID: q.Get("criterion_id"),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
		return
	}
	aggs, err := h.deps.Aggregates(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggs)
}

// HandleStandings handles GET /sessions/{id}/standings.
func (h *SessionHandler) HandleStandings(w http.ResponseWriter, r *http.Request) {
	standings, err := h.deps.Standings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standings)
}
