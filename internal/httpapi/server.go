package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/IsaacDeMelo/botwpp/internal/config"
	"github.com/IsaacDeMelo/botwpp/internal/observability"
	"github.com/IsaacDeMelo/botwpp/internal/tasks"
	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

// Gateway is the transport control surface exposed over HTTP.
type Gateway interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Status() wa.Status
	QR() string
}

type Server struct {
	cfg     config.Config
	engine  *tasks.Engine
	gateway Gateway
	metrics *observability.Metrics
	auth    *authGuard
}

func New(cfg config.Config, engine *tasks.Engine, gateway Gateway, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		gateway: gateway,
		metrics: metrics,
		auth:    newAuthGuard(cfg.AuthToken, cfg.AuthThrottleLimit, cfg.AuthThrottleWindow),
	}
}

// StartAuthJanitor launches the background sweep that forgets old failed
// login attempts.
func (s *Server) StartAuthJanitor(ctx context.Context) {
	go s.auth.janitor(ctx)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Post("/api/send", s.handleSend)

		r.Get("/api/tasks", s.handleListTasks)
		r.Get("/api/tasks/stats", s.handleTaskStats)
		r.Post("/api/tasks/commands", s.handleCreateCommand)
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Post("/api/tasks/{id}/cancel", s.handleCancelTask)
		r.Delete("/api/tasks/{id}", s.handleDeleteTask)

		r.Post("/api/gateway/start", s.handleGatewayStart)
		r.Post("/api/gateway/stop", s.handleGatewayStop)
		r.Post("/api/gateway/restart", s.handleGatewayRestart)
		r.Get("/api/gateway/status", s.handleGatewayStatus)
		r.Get("/api/gateway/qr", s.handleGatewayQR)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"gateway": string(s.gateway.Status()),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondEngineError maps engine and transport sentinels onto the API's
// stable error codes.
func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "TASK_NOT_FOUND", err.Error())
	case errors.Is(err, tasks.ErrExpectedRequired):
		respondError(w, http.StatusBadRequest, "AWAIT_RESPONSE_EXPECTED_REQUIRED", err.Error())
	case errors.Is(err, tasks.ErrPersistentExpectedRequired):
		respondError(w, http.StatusBadRequest, "PERSISTENT_EXPECTED_REQUIRED", err.Error())
	case errors.Is(err, tasks.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error())
	case errors.Is(err, tasks.ErrActionPayloadRequired):
		respondError(w, http.StatusBadRequest, "ACTION_PAYLOAD_REQUIRED", err.Error())
	case errors.Is(err, tasks.ErrUnsupportedMessageType):
		respondError(w, http.StatusBadRequest, "UNSUPPORTED_MESSAGE_TYPE", err.Error())
	case errors.Is(err, tasks.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, "INVALID_PAYLOAD_SHAPE", err.Error())
	case errors.Is(err, wa.ErrInvalidRecipient), errors.Is(err, wa.ErrInvalidJID):
		respondError(w, http.StatusBadRequest, "INVALID_RECIPIENT", err.Error())
	case errors.Is(err, wa.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, "GATEWAY_NOT_CONNECTED", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
