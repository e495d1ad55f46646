// Package httpapi serves the admin HTTP API of the executor.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/castingclouds/circuit-breaker-sub001/events"
	"github.com/castingclouds/circuit-breaker-sub001/executor"
	"github.com/castingclouds/circuit-breaker-sub001/internal/logging"
	"github.com/castingclouds/circuit-breaker-sub001/rules"
	"github.com/castingclouds/circuit-breaker-sub001/types"
	"github.com/castingclouds/circuit-breaker-sub001/workflow"
)

// Server exposes definitions, instances and bus history over HTTP.
type Server struct {
	exec   *executor.Executor
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHandler builds the router. Extra routes such as /metrics can be mounted
// on the returned router.
func NewHandler(exec *executor.Executor, opts ...Option) chi.Router {
	s := &Server{exec: exec, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/definitions", s.registerDefinition)
	r.Get("/definitions/{name}", s.getDefinition)
	r.Post("/definitions/{name}/instances", s.createInstance)
	r.Get("/instances", s.listInstances)
	r.Route("/instances/{id}", func(r chi.Router) {
		r.Get("/", s.getInstance)
		r.Post("/tokens", s.addToken)
		r.Get("/transitions", s.availableTransitions)
		r.Get("/transitions/{transition}", s.evaluate)
		r.Post("/transitions/{transition}", s.fire)
	})
	r.Get("/events", s.replay)
	return r
}

type createRequest struct {
	StartPlace string                 `json:"start_place,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type fireRequest struct {
	Target     string                 `json:"target,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Version    uint64                 `json:"version,omitempty"`
	// Async publishes the request on the bus instead of firing in place.
	Async bool `json:"async,omitempty"`
}

type errorResponse struct {
	Error    string          `json:"error"`
	Kind     string          `json:"kind,omitempty"`
	Failures []rules.Failure `json:"failures,omitempty"`
}

func (s *Server) registerDefinition(w http.ResponseWriter, r *http.Request) {
	var doc types.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		s.badRequest(w, err)
		return
	}
	def, err := s.exec.Engine().RegisterDocument(r.Context(), doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("definition registered", "workflow", def.Name())
	writeJSON(w, http.StatusCreated, def.Document())
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.exec.Engine().Definition(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def.Document())
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}
	inst, err := s.exec.StartWorkflow(r.Context(), chi.URLParam(r, "name"), workflow.CreateOptions{
		StartPlace: body.StartPlace,
		Attributes: body.Attributes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	list, err := s.exec.Engine().ListInstances(r.Context(), r.URL.Query().Get("workflow"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []types.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	inst, err := s.exec.Engine().GetInstance(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) addToken(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	var attrs map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		s.badRequest(w, err)
		return
	}
	inst, err := s.exec.AddToken(r.Context(), id, attrs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) availableTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	names, err := s.exec.Engine().AvailableTransitions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"transitions": names})
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	verdict, err := s.exec.Engine().Evaluate(r.Context(), id, chi.URLParam(r, "transition"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) fire(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	var body fireRequest
	if !s.decodeOptional(w, r, &body) {
		return
	}
	transition := chi.URLParam(r, "transition")
	req := executor.TransitionRequest{
		Target:     body.Target,
		Actor:      body.Actor,
		Attributes: body.Attributes,
		Version:    body.Version,
	}

	if body.Async {
		env, err := s.exec.RequestTransition(r.Context(), id, transition, req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, env)
		return
	}
	inst, err := s.exec.Fire(r.Context(), id, transition, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	if filter == "" {
		filter = ">"
	}
	envs, err := s.exec.Bus().Replay(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if envs == nil {
		envs = []events.Envelope{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) instanceID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.badRequest(w, errors.New("instance id must be an unsigned integer"))
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a JSON body when one is sent.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.badRequest(w, err)
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.logger.Warn("invalid request", "error", err)
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, resp := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, resp)
}

// statusOf maps an engine or bus error to an HTTP status and response body.
func statusOf(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error()}
	var fe *workflow.FireError
	if errors.As(err, &fe) {
		resp.Kind = string(fe.Kind)
		resp.Failures = fe.Failures
		switch fe.Kind {
		case workflow.KindUnknownTransition:
			return http.StatusNotFound, resp
		case workflow.KindPolicyViolation:
			return http.StatusUnprocessableEntity, resp
		case workflow.KindActionFailed:
			return http.StatusBadGateway, resp
		default:
			return http.StatusConflict, resp
		}
	}
	switch {
	case errors.Is(err, workflow.ErrInstanceNotFound), errors.Is(err, workflow.ErrDefinitionNotFound):
		return http.StatusNotFound, resp
	case errors.Is(err, workflow.ErrInvalidDefinition), errors.Is(err, workflow.ErrUnknownPlace),
		errors.Is(err, events.ErrSubscribe):
		return http.StatusBadRequest, resp
	case errors.Is(err, workflow.ErrVersionConflict), errors.Is(err, workflow.ErrDefinitionExists):
		return http.StatusConflict, resp
	case errors.Is(err, events.ErrBusClosed), errors.Is(err, events.ErrPublish):
		return http.StatusServiceUnavailable, resp
	}
	return http.StatusInternalServerError, resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}
