// Copyright 2026 The Xnode Manager Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xnodehq/xnode-manager/lib/command"
	"github.com/xnodehq/xnode-manager/lib/inspect"
	"github.com/xnodehq/xnode-manager/lib/job"
	"github.com/xnodehq/xnode-manager/lib/reconcile"
	"github.com/xnodehq/xnode-manager/lib/service"
)

// Server is the HTTP facade over the engine, the job tracker and the
// inspector. Mutating routes return a request id immediately and run
// as jobs; read routes answer synchronously.
type Server struct {
	engine     *reconcile.Engine
	tracker    *job.Tracker
	executor   reconcile.Executor
	inspector  *inspect.Inspector
	authorizer Authorizer
	logger     *slog.Logger
}

// ServerConfig configures a Server. Every field is required.
type ServerConfig struct {
	Engine     *reconcile.Engine
	Tracker    *job.Tracker
	Executor   reconcile.Executor
	Inspector  *inspect.Inspector
	Authorizer Authorizer
	Logger     *slog.Logger
}

// NewServer creates a Server. Panics if a field is missing.
func NewServer(config ServerConfig) *Server {
	switch {
	case config.Engine == nil:
		panic("main.Server: Engine is required")
	case config.Tracker == nil:
		panic("main.Server: Tracker is required")
	case config.Executor == nil:
		panic("main.Server: Executor is required")
	case config.Inspector == nil:
		panic("main.Server: Inspector is required")
	case config.Authorizer == nil:
		panic("main.Server: Authorizer is required")
	case config.Logger == nil:
		panic("main.Server: Logger is required")
	}
	return &Server{
		engine:     config.Engine,
		tracker:    config.Tracker,
		executor:   config.Executor,
		inspector:  config.Inspector,
		authorizer: config.Authorizer,
		logger:     config.Logger,
	}
}

// RequestIDResponse answers every route that starts a job.
type RequestIDResponse struct {
	RequestID job.ID `json:"request_id"`
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(service.LogRequests(s.logger))

	router.With(requireScope(s.authorizer, ScopeConfig)).Post("/change", s.handleChange)

	router.Route("/config", func(r chi.Router) {
		r.Use(requireScope(s.authorizer, ScopeConfig))
		r.Get("/containers", s.handleContainers)
		r.Get("/container/{container}", s.handleContainer)
		r.Post("/container/{container}/change", s.handleContainerChange)
		r.Post("/container/{container}/delete", s.handleContainerDelete)
		r.Post("/container/{container}/update", s.handleContainerUpdate)
		r.Post("/set", s.handleSet)
		r.Post("/remove", s.handleRemove)
	})

	router.Route("/os", func(r chi.Router) {
		r.Use(requireScope(s.authorizer, ScopeOS))
		r.Get("/get", s.handleOSGet)
		r.Post("/set", s.handleOSSet)
	})

	router.Route("/info", func(r chi.Router) {
		r.Use(requireScope(s.authorizer, ScopeInfo))
		r.Get("/flake", s.handleFlake)
	})

	router.Route("/process", func(r chi.Router) {
		r.Use(requireScope(s.authorizer, ScopeProcess))
		r.Get("/list/{container}", s.handleProcessList)
		r.Get("/logs/{container}/{process}", s.handleProcessLogs)
		r.Post("/execute/{container}/{process}", s.handleProcessExecute)
	})

	router.Route("/request", func(r chi.Router) {
		r.Use(requireScope(s.authorizer, ScopeRequest))
		r.Get("/info/{request}", s.handleRequestStatus)
		r.Get("/info/{request}/{step}", s.handleRequestStep)
	})

	return router
}

// submit validates actions and starts them as one job.
func (s *Server) submit(actions []reconcile.Action) (job.ID, error) {
	if err := reconcile.Validate(actions); err != nil {
		return 0, err
	}
	return s.tracker.Submit(func(ctx context.Context, id job.ID) job.Result {
		return s.engine.Apply(ctx, id, actions)
	})
}

func (s *Server) respondSubmitted(writer http.ResponseWriter, actions []reconcile.Action) {
	id, err := s.submit(actions)
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, RequestIDResponse{RequestID: id})
}

// writeFailure maps err onto a status: validation 400, absence 404,
// anything else 500.
func (s *Server) writeFailure(writer http.ResponseWriter, err error) {
	var validationError *reconcile.ValidationError
	switch {
	case errors.As(err, &validationError):
		service.WriteError(writer, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrNotFound), errors.Is(err, job.ErrNotFound):
		service.WriteError(writer, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		service.WriteError(writer, http.StatusInternalServerError, err.Error())
	}
}

// decode reads a required JSON body, answering 400 itself on failure.
func decode(writer http.ResponseWriter, request *http.Request, target any) bool {
	if err := service.DecodeJSON(request, target); err != nil {
		if errors.Is(err, io.EOF) {
			service.WriteError(writer, http.StatusBadRequest, "request body is required")
		} else {
			service.WriteError(writer, http.StatusBadRequest, err.Error())
		}
		return false
	}
	return true
}

func (s *Server) handleChange(writer http.ResponseWriter, request *http.Request) {
	var actions []reconcile.Action
	if !decode(writer, request, &actions) {
		return
	}
	s.respondSubmitted(writer, actions)
}

func (s *Server) handleContainers(writer http.ResponseWriter, _ *http.Request) {
	containers, err := s.engine.Containers()
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, containers)
}

func (s *Server) handleContainer(writer http.ResponseWriter, request *http.Request) {
	configuration, err := s.engine.Container(chi.URLParam(request, "container"))
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, configuration)
}

func (s *Server) handleContainerChange(writer http.ResponseWriter, request *http.Request) {
	var set reconcile.SetAction
	if !decode(writer, request, &set) {
		return
	}
	set.Container = chi.URLParam(request, "container")
	s.respondSubmitted(writer, []reconcile.Action{{Set: &set}})
}

func (s *Server) handleContainerDelete(writer http.ResponseWriter, request *http.Request) {
	var remove reconcile.RemoveAction
	if err := service.DecodeJSON(request, &remove); err != nil && !errors.Is(err, io.EOF) {
		service.WriteError(writer, http.StatusBadRequest, err.Error())
		return
	}
	remove.Container = chi.URLParam(request, "container")
	s.respondSubmitted(writer, []reconcile.Action{{Remove: &remove}})
}

func (s *Server) handleContainerUpdate(writer http.ResponseWriter, request *http.Request) {
	var update reconcile.UpdateAction
	if !decode(writer, request, &update) {
		return
	}
	update.Container = chi.URLParam(request, "container")
	s.respondSubmitted(writer, []reconcile.Action{{Update: &update}})
}

func (s *Server) handleSet(writer http.ResponseWriter, request *http.Request) {
	var set reconcile.SetAction
	if !decode(writer, request, &set) {
		return
	}
	s.respondSubmitted(writer, []reconcile.Action{{Set: &set}})
}

func (s *Server) handleRemove(writer http.ResponseWriter, request *http.Request) {
	var remove reconcile.RemoveAction
	if !decode(writer, request, &remove) {
		return
	}
	s.respondSubmitted(writer, []reconcile.Action{{Remove: &remove}})
}

func (s *Server) handleOSGet(writer http.ResponseWriter, _ *http.Request) {
	configuration, err := s.engine.OSConfiguration()
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, configuration)
}

func (s *Server) handleOSSet(writer http.ResponseWriter, request *http.Request) {
	var change reconcile.OSChange
	if !decode(writer, request, &change) {
		return
	}
	if err := reconcile.Validate([]reconcile.Action{{OS: &change}}); err != nil {
		s.writeFailure(writer, err)
		return
	}
	id, err := s.tracker.Submit(func(ctx context.Context, id job.ID) job.Result {
		return s.engine.ApplyOS(ctx, id, change)
	})
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, RequestIDResponse{RequestID: id})
}

func (s *Server) handleFlake(writer http.ResponseWriter, request *http.Request) {
	flake, err := s.inspector.FlakeMetadata(request.Context(), request.URL.Query().Get("flake"))
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, flake)
}

func (s *Server) handleProcessList(writer http.ResponseWriter, request *http.Request) {
	units, err := s.inspector.Units(request.Context(), chi.URLParam(request, "container"))
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, units)
}

func (s *Server) handleProcessLogs(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()

	lines := 0
	if text := query.Get("max"); text != "" {
		parsed, err := strconv.Atoi(text)
		if err != nil || parsed < 0 {
			service.WriteError(writer, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		lines = parsed
	}
	var level inspect.Level
	if text := query.Get("level"); text != "" {
		parsed, err := inspect.ParseLevel(text)
		if err != nil {
			s.writeFailure(writer, err)
			return
		}
		level = parsed
	}

	entries, err := s.inspector.Logs(request.Context(), chi.URLParam(request, "container"), chi.URLParam(request, "process"), lines, level)
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, entries)
}

func (s *Server) handleProcessExecute(writer http.ResponseWriter, request *http.Request) {
	var action inspect.UnitAction
	if !decode(writer, request, &action) {
		return
	}
	invocation, err := s.inspector.UnitCommand(chi.URLParam(request, "container"), chi.URLParam(request, "process"), action)
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	id, err := s.tracker.Submit(func(ctx context.Context, id job.ID) job.Result {
		if _, err := s.executor.Execute(ctx, id, invocation, command.Stream); err != nil {
			return job.Failed(err.Error())
		}
		return job.Succeeded()
	})
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, RequestIDResponse{RequestID: id})
}

func parseRequestID(writer http.ResponseWriter, request *http.Request) (job.ID, bool) {
	id, err := job.ParseID(chi.URLParam(request, "request"))
	if err != nil {
		service.WriteError(writer, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return id, true
}

func (s *Server) handleRequestStatus(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseRequestID(writer, request)
	if !ok {
		return
	}
	status, err := s.tracker.Status(id)
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, status)
}

func (s *Server) handleRequestStep(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseRequestID(writer, request)
	if !ok {
		return
	}
	step, err := s.tracker.Step(id, chi.URLParam(request, "step"))
	if err != nil {
		s.writeFailure(writer, err)
		return
	}
	service.WriteJSON(writer, http.StatusOK, step)
}
