/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package api is the public HTTP surface of the agent: chat, task
// approval workflow, health/readiness, and metrics. Requests pass a
// middleware chain of request identity, authentication, per-client rate
// limiting, and shutdown draining before reaching a handler.
package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/config"
	"github.com/mkessel/twinward/internal/metrics"
	"github.com/mkessel/twinward/internal/orchestrator"
)

// Orchestrator is the slice of the orchestrator the API calls.
type Orchestrator interface {
	ProcessMessage(ctx context.Context, message string, roles []string) (*orchestrator.Reply, error)
	ExecuteApprovedTask(ctx context.Context, taskID string, roles []string) (*orchestrator.ToolResult, error)
	Reset()
}

// TaskAdmin is the slice of the safety kernel that drives the approval
// workflow.
type TaskAdmin interface {
	ApproveTask(ctx context.Context, taskID, approver string) (bool, error)
	RejectTask(ctx context.Context, taskID, rejector, reason string) (bool, error)
	Tasks() *approval.Store
}

// Server is the HTTP front end.
type Server struct {
	cfg   config.ServerConfig
	orch  Orchestrator
	tasks TaskAdmin
	ready func() bool
	log   logr.Logger

	limiter *clientLimiter
	handler http.Handler
	srv     *http.Server

	draining  chan struct{}
	drainOnce sync.Once
	inflight  sync.WaitGroup
}

// New builds the server. ready reports whether the shadow is initialized
// and the event bus connected; /ready returns 503 until it does.
func New(cfg config.ServerConfig, rl config.RateLimitConfig, orch Orchestrator, tasks TaskAdmin, ready func() bool, log logr.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		tasks:    tasks,
		ready:    ready,
		log:      log,
		limiter:  newClientLimiter(rl),
		draining: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /tasks/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /tasks/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /tasks/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	h = s.instrument(h)
	h = s.drainGuard(h)
	h = s.limiter.middleware(h)
	h = s.authenticate(h)
	h = requestIdentity(h)
	s.handler = h
	return s
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled, then drains and shuts down. The
// returned channel carries the terminal serve error, if any.
func (s *Server) Start(ctx context.Context) <-chan error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			tlsCfg, terr := s.tlsConfig()
			if terr != nil {
				errCh <- terr
				return
			}
			s.srv.TLSConfig = tlsCfg
			s.log.Info("serving with TLS", "addr", s.cfg.Addr)
			err = s.srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			s.log.Info("serving", "addr", s.cfg.Addr)
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	return errCh
}

// Shutdown drains in-flight requests for the configured window, then
// closes the listener.
func (s *Server) Shutdown() {
	s.drainOnce.Do(func() {
		close(s.draining)

		timeout := s.cfg.DrainTimeout.Std()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.log.Info("draining", "timeout", timeout.String())

		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.log.Info("drain window elapsed with requests still in flight")
		}

		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.srv.Shutdown(ctx); err != nil {
				s.log.Error(err, "server shutdown")
			}
		}
	})
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.cfg.AuthMode == "mtls" && s.cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA file %s holds no certificates", s.cfg.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply           string                    `json:"reply"`
	ToolResults     []orchestrator.ToolResult `json:"tool_results"`
	PendingApproval bool                      `json:"pending_approval"`
	TaskID          string                    `json:"task_id,omitempty"`
	RequestID       string                    `json:"request_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidJSON, "request body is not valid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, codeMissingField, "message is required")
		return
	}

	reply, err := s.orch.ProcessMessage(r.Context(), req.Message, rolesFrom(r.Context()))
	if err != nil {
		s.log.Error(err, "chat processing failed")
		writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:           reply.Reply,
		ToolResults:     reply.ToolResults,
		PendingApproval: reply.PendingApproval,
		TaskID:          reply.TaskID,
		RequestID:       requestIDFrom(r.Context()),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orch.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.Tasks().List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*approval.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Tasks().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type decisionRequest struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// decisionBody tolerates an empty body; the ambient subject is the
// default decider.
func decisionBody(r *http.Request) decisionRequest {
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.By == "" {
		req.By = subjectFrom(r.Context())
	}
	if req.By == "" {
		req.By = "operator"
	}
	return req
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := decisionBody(r)

	ok, err := s.tasks.ApproveTask(r.Context(), id, req.By)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		return
	}
	if !ok {
		s.writeTaskConflict(w, r, id)
		return
	}
	task, _ := s.tasks.Tasks().Get(r.Context(), id)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := decisionBody(r)

	ok, err := s.tasks.RejectTask(r.Context(), id, req.By, req.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		return
	}
	if !ok {
		s.writeTaskConflict(w, r, id)
		return
	}
	task, _ := s.tasks.Tasks().Get(r.Context(), id)
	writeJSON(w, http.StatusOK, task)
}

// writeTaskConflict distinguishes a missing task from one already past
// the pending state.
func (s *Server) writeTaskConflict(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.tasks.Tasks().Get(r.Context(), id)
	if err == nil && task == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "no such task")
		return
	}
	status := "unknown"
	if task != nil {
		status = task.Status
	}
	writeError(w, http.StatusBadRequest, codeBadRequest,
		fmt.Sprintf("task is %s, not %s", status, approval.StatusPending))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.orch.ExecuteApprovedTask(r.Context(), id, rolesFrom(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrTaskNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		case errors.Is(err, orchestrator.ErrTaskNotApproved):
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrRolesForbidden):
			writeError(w, http.StatusForbidden, codeForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, codeOperationFailed, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, codeServerNotReady,
			"shadow not initialized or event bus not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
