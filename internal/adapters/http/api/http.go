// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/okian/tally/internal/adapters/http/swagger"
	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Authenticate(ctx context.Context, token string) (model.Identity, error)

	OpenSession(ctx context.Context, req types.SessionRequest, actor model.Actor) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	ActivateSession(ctx context.Context, id string, actor model.Actor) (model.Session, error)
	CompleteSession(ctx context.Context, id string, actor model.Actor) (model.Session, error)

	// Read operations expose aggregates and standings.
	Aggregate(ctx context.Context, key model.AggregateKey) (model.AggregatedScore, error)
	Aggregates(ctx context.Context, sessionID string) ([]model.AggregatedScore, error)
	Standings(ctx context.Context, sessionID string) ([]aggregation.Standing, error)

	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	ListConflicts(ctx context.Context, sessionID string, activeOnly bool) ([]model.Conflict, error)
	EscalateToHeadJudge(ctx context.Context, conflictID, priority string, actor model.Actor) (model.Conflict, error)
	InitiateDiscussion(ctx context.Context, conflictID string, participants []string, actor model.Actor) (model.Conflict, error)
	Resolve(ctx context.Context, conflictID string, req resolution.Request, actor model.Actor) (resolution.Outcome, error)
	IgnoreConflict(ctx context.Context, conflictID, reason string, actor model.Actor) (model.Conflict, error)
	IgnoreSubmission(ctx context.Context, submissionID, reason string, actor model.Actor) (model.Submission, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps    Dependencies
	ws      http.Handler
	limiter *rate.Limiter
	origins []string
	logger  logger.Logger

	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	sessionHandler  *SessionHandler
	conflictHandler *ConflictHandler
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithWebSocket mounts the real-time hub at /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

// WithRateLimit caps mutating requests across all clients.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = append([]string(nil), origins...)
		}
	}
}

// WithLogger sets a custom logger for the server.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:            deps,
		origins:         []string{"*"},
		healthHandler:   NewHealthHandler(),
		statsHandler:    NewStatsHandler(statsProvider),
		sessionHandler:  NewSessionHandler(deps),
		conflictHandler: NewConflictHandler(deps),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	return s
}

// Register attaches all HTTP routes to router.
func (s *Server) Register(router *mux.Router) {
	router.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	router.HandleFunc("/metrics", MetricsMiddleware(s.healthHandler.HandleMetrics, "metrics")).Methods(http.MethodGet)
	router.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats")).Methods(http.MethodGet)
	if s.ws != nil {
		router.Handle("/ws", s.ws).Methods(http.MethodGet)
	}
	swagger.Register(router)

	sh, ch := s.sessionHandler, s.conflictHandler
	router.HandleFunc("/sessions", MetricsMiddleware(s.mutating(sh.HandleCreate), "sessions_create")).Methods(http.MethodPost)
	router.HandleFunc("/sessions", MetricsMiddleware(sh.HandleList, "sessions_list")).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", MetricsMiddleware(sh.HandleGet, "sessions_get")).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/activate", MetricsMiddleware(s.mutating(sh.HandleActivate), "sessions_activate")).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/complete", MetricsMiddleware(s.mutating(sh.HandleComplete), "sessions_complete")).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/aggregates", MetricsMiddleware(sh.HandleAggregates, "aggregates")).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/standings", MetricsMiddleware(sh.HandleStandings, "standings")).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/conflicts", MetricsMiddleware(s.authenticated(ch.HandleList), "conflicts_list")).Methods(http.MethodGet)

	router.HandleFunc("/conflicts/{id}", MetricsMiddleware(s.authenticated(ch.HandleGet), "conflicts_get")).Methods(http.MethodGet)
	router.HandleFunc("/conflicts/{id}/escalate", MetricsMiddleware(s.mutating(ch.HandleEscalate), "conflicts_escalate")).Methods(http.MethodPost)
	router.HandleFunc("/conflicts/{id}/discussion", MetricsMiddleware(s.mutating(ch.HandleDiscussion), "conflicts_discussion")).Methods(http.MethodPost)
	router.HandleFunc("/conflicts/{id}/resolve", MetricsMiddleware(s.mutating(ch.HandleResolve), "conflicts_resolve")).Methods(http.MethodPost)
	router.HandleFunc("/conflicts/{id}/ignore", MetricsMiddleware(s.mutating(ch.HandleIgnore), "conflicts_ignore")).Methods(http.MethodPost)
	router.HandleFunc("/submissions/{id}/ignore", MetricsMiddleware(s.mutating(ch.HandleIgnoreSubmission), "submissions_ignore")).Methods(http.MethodPost)
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	s.Register(router)
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(router)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status and code of its kind.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Code: codeFor(err), Message: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	writeJSON(w, statusFor(err), resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, op string, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return WrapKind(op, ErrBadRequest, err)
}
