// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alechenninger/kestrel/graph"
	"github.com/alechenninger/kestrel/model"
	"github.com/alechenninger/kestrel/schema"
	"github.com/alechenninger/kestrel/store"
	"github.com/alechenninger/kestrel/zookie"
)

// Server serves the authorization API.
type Server struct {
	engine *graph.Engine
	models *model.Store
	// conditions is the registry model publications may reference by name.
	// Condition logic is compiled in; the wire format only names them.
	conditions map[schema.ConditionName]*schema.Condition
	logger     *slog.Logger
	registry   *prometheus.Registry
}

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Conditions registers named conditions available to published models.
	Conditions map[schema.ConditionName]*schema.Condition
	// Registry, when set, exposes its metrics at /metrics.
	Registry *prometheus.Registry
}

// New creates a Server around the engine and model store.
func New(engine *graph.Engine, models *model.Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:     engine,
		models:     models,
		conditions: opts.Conditions,
		logger:     logger.With("component", "server"),
		registry:   opts.Registry,
	}
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/models", s.publishModel)
		r.Get("/models/{modelId}", s.getModel)
		r.Post("/write", s.writeTuples)
		r.Post("/check", s.check)
		r.Post("/expand", s.expand)
		r.Post("/list-objects", s.listObjects)
		r.Post("/list-relations", s.listRelations)
	})
	return r
}

func (s *Server) publishModel(w http.ResponseWriter, r *http.Request) {
	var dto schemaDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sc, err := dto.toSchema(s.conditions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.models.Publish(sc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"model_id": id})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.models.Get(model.ID(chi.URLParam(r, "modelId")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model_id":   m.ID,
		"created_at": m.CreatedAt,
		"schema":     schemaToDTO(m.Schema),
	})
}

type writeRequest struct {
	ModelID      string   `json:"model_id"`
	Writes       []tuple  `json:"writes,omitempty"`
	Deletes      []string `json:"deletes,omitempty"`
	Precondition string   `json:"precondition,omitempty"`

	IgnoreExisting bool `json:"ignore_existing,omitempty"`
	IgnoreMissing  bool `json:"ignore_missing,omitempty"`
}

// tuple is a write payload: the textual tuple form plus optional condition
// binding.
type tuple struct {
	Tuple            string         `json:"tuple"`
	Condition        string         `json:"condition,omitempty"`
	ConditionContext map[string]any `json:"condition_context,omitempty"`
}

func (s *Server) writeTuples(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writes := make([]store.Tuple, 0, len(req.Writes))
	for _, wt := range req.Writes {
		t, err := store.ParseTuple(wt.Tuple)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t.Condition = schema.ConditionName(wt.Condition)
		t.ConditionContext = wt.ConditionContext
		writes = append(writes, t)
	}
	deletes := make([]store.Tuple, 0, len(req.Deletes))
	for _, dt := range req.Deletes {
		t, err := store.ParseTuple(dt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		deletes = append(deletes, t)
	}

	token, err := s.engine.WriteTuples(r.Context(), graph.WriteTuplesRequest{
		ModelID:      model.ID(req.ModelID),
		Writes:       writes,
		Deletes:      deletes,
		Precondition: zookie.Token(req.Precondition),
		Options: store.WriteOptions{
			IgnoreExisting: req.IgnoreExisting,
			IgnoreMissing:  req.IgnoreMissing,
		},
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

type checkRequest struct {
	ModelID          string         `json:"model_id,omitempty"`
	Object           string         `json:"object"`
	Relation         string         `json:"relation"`
	Subject          string         `json:"subject"`
	AsOf             string         `json:"as_of,omitempty"`
	ContextualTuples []tuple        `json:"contextual_tuples,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	object, err := parseObjectRef(req.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	subject, err := parseSubjectRef(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contextual, err := parseContextualTuples(req.ContextualTuples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.engine.Check(r.Context(), graph.CheckRequest{
		ModelID:          model.ID(req.ModelID),
		Object:           object,
		Relation:         schema.RelationName(req.Relation),
		Subject:          subject,
		AsOf:             zookie.Token(req.AsOf),
		ContextualTuples: contextual,
		Context:          req.Context,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":    resp.Allowed,
		"checked_at": resp.CheckedAt,
	})
}

type expandRequest struct {
	ModelID  string `json:"model_id,omitempty"`
	Object   string `json:"object"`
	Relation string `json:"relation"`
	AsOf     string `json:"as_of,omitempty"`
}

func (s *Server) expand(w http.ResponseWriter, r *http.Request) {
	var req expandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	object, err := parseObjectRef(req.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.engine.Expand(r.Context(), graph.ExpandRequest{
		ModelID:  model.ID(req.ModelID),
		Object:   object,
		Relation: schema.RelationName(req.Relation),
		AsOf:     zookie.Token(req.AsOf),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tree":        expandNodeToDTO(resp.Tree),
		"expanded_at": resp.ExpandedAt,
	})
}

type listObjectsRequest struct {
	ModelID          string         `json:"model_id,omitempty"`
	ObjectType       string         `json:"object_type"`
	Relation         string         `json:"relation"`
	Subject          string         `json:"subject"`
	AsOf             string         `json:"as_of,omitempty"`
	ContextualTuples []tuple        `json:"contextual_tuples,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	var req listObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	subject, err := parseSubjectRef(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contextual, err := parseContextualTuples(req.ContextualTuples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.engine.ListObjects(r.Context(), graph.ListObjectsRequest{
		ModelID:          model.ID(req.ModelID),
		ObjectType:       schema.TypeName(req.ObjectType),
		Relation:         schema.RelationName(req.Relation),
		Subject:          subject,
		AsOf:             zookie.Token(req.AsOf),
		ContextualTuples: contextual,
		Context:          req.Context,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object_ids": resp.ObjectIDs,
		"checked_at": resp.CheckedAt,
	})
}

type listRelationsRequest struct {
	ModelID          string         `json:"model_id,omitempty"`
	Object           string         `json:"object"`
	Subject          string         `json:"subject"`
	AsOf             string         `json:"as_of,omitempty"`
	ContextualTuples []tuple        `json:"contextual_tuples,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
}

func (s *Server) listRelations(w http.ResponseWriter, r *http.Request) {
	var req listRelationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	object, err := parseObjectRef(req.Object)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	subject, err := parseSubjectRef(req.Subject)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	contextual, err := parseContextualTuples(req.ContextualTuples)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.engine.ListRelations(r.Context(), graph.ListRelationsRequest{
		ModelID:          model.ID(req.ModelID),
		Object:           object,
		Subject:          subject,
		AsOf:             zookie.Token(req.AsOf),
		ContextualTuples: contextual,
		Context:          req.Context,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relations":  resp.Relations,
		"checked_at": resp.CheckedAt,
	})
}

func parseContextualTuples(in []tuple) ([]store.Tuple, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]store.Tuple, 0, len(in))
	for _, ct := range in {
		t, err := store.ParseTuple(ct.Tuple)
		if err != nil {
			return nil, err
		}
		t.Condition = schema.ConditionName(ct.Condition)
		t.ConditionContext = ct.ConditionContext
		out = append(out, t)
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeEngineError maps engine and store errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrModelNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, model.ErrInvalidModel),
		errors.Is(err, zookie.ErrInvalidToken),
		errors.Is(err, schema.ErrMissingContext):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrPreconditionFailed),
		errors.Is(err, store.ErrDuplicateTuple),
		errors.Is(err, store.ErrTupleNotFound):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, graph.ErrBudgetExceeded):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
