/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/config"
	"github.com/mkessel/twinward/internal/orchestrator"
)

type fakeOrch struct {
	mu          sync.Mutex
	lastMessage string
	lastRoles   []string
	reply       *orchestrator.Reply
	execResult  *orchestrator.ToolResult
	execErr     error
	resets      int
}

func (f *fakeOrch) ProcessMessage(_ context.Context, message string, roles []string) (*orchestrator.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMessage = message
	f.lastRoles = roles
	if f.reply != nil {
		return f.reply, nil
	}
	return &orchestrator.Reply{Reply: "ok", ToolResults: []orchestrator.ToolResult{}}, nil
}

func (f *fakeOrch) ExecuteApprovedTask(_ context.Context, taskID string, roles []string) (*orchestrator.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRoles = roles
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &orchestrator.ToolResult{Tool: "EmergencyStop", Success: true, Status: orchestrator.StatusCompleted}, nil
}

func (f *fakeOrch) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

// memTaskTwin backs the approval store in memory.
type memTaskTwin struct {
	mu   sync.Mutex
	list []json.RawMessage
}

func (m *memTaskTwin) GetTaskList(context.Context, string, string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list, nil
}

func (m *memTaskTwin) PutTaskList(_ context.Context, _, _ string, tasks []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list = tasks
	return nil
}

type fakeTaskAdmin struct {
	store *approval.Store
}

func (f *fakeTaskAdmin) ApproveTask(ctx context.Context, taskID, approver string) (bool, error) {
	return f.store.Approve(ctx, taskID, approver)
}

func (f *fakeTaskAdmin) RejectTask(ctx context.Context, taskID, rejector, reason string) (bool, error) {
	return f.store.Reject(ctx, taskID, rejector, reason)
}

func (f *fakeTaskAdmin) Tasks() *approval.Store { return f.store }

type fixture struct {
	srv   *Server
	orch  *fakeOrch
	store *approval.Store
	ready bool
}

func newFixture(t *testing.T, mutate ...func(*config.ServerConfig, *config.RateLimitConfig)) *fixture {
	t.Helper()
	cfg := config.Default()
	fx := &fixture{
		orch:  &fakeOrch{},
		store: approval.NewStore(&memTaskTwin{}, "urn:sm:policy", "TasksJson"),
		ready: true,
	}
	srvCfg := cfg.Server
	rlCfg := cfg.RateLimit
	rlCfg.RequestsPerMinute = 6000
	rlCfg.Burst = 1000
	for _, m := range mutate {
		m(&srvCfg, &rlCfg)
	}
	fx.srv = New(srvCfg, rlCfg, fx.orch, &fakeTaskAdmin{store: fx.store}, func() bool { return fx.ready }, logr.Discard())
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("error body %q: %v", w.Body.String(), err)
	}
	return env.Error.Code
}

func TestChatRoundTrip(t *testing.T) {
	fx := newFixture(t)
	fx.orch.reply = &orchestrator.Reply{
		Reply: "Executed 'GetStatus' successfully.",
		ToolResults: []orchestrator.ToolResult{
			{Tool: "GetStatus", Success: true, Status: orchestrator.StatusCompleted},
		},
	}

	w := fx.do(t, http.MethodPost, "/chat", `{"message":"get status"}`, map[string]string{
		"X-Roles": "operator, maintenance",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reply == "" || len(resp.ToolResults) != 1 || resp.RequestID == "" {
		t.Errorf("response = %+v", resp)
	}
	if w.Header().Get("X-Request-ID") != resp.RequestID {
		t.Error("request id not echoed on the response header")
	}
	if fx.orch.lastMessage != "get status" {
		t.Errorf("message = %q", fx.orch.lastMessage)
	}
	if len(fx.orch.lastRoles) != 2 || fx.orch.lastRoles[0] != "operator" || fx.orch.lastRoles[1] != "maintenance" {
		t.Errorf("roles = %v", fx.orch.lastRoles)
	}
}

func TestChatHonorsIncomingRequestID(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, map[string]string{
		"X-Request-ID": "req-42",
	})
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestChatBadRequests(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodPost, "/chat", `{not json`, nil)
	if w.Code != http.StatusBadRequest || decodeError(t, w) != codeInvalidJSON {
		t.Errorf("invalid json → %d %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodPost, "/chat", `{}`, nil)
	if w.Code != http.StatusBadRequest || decodeError(t, w) != codeMissingField {
		t.Errorf("missing message → %d %s", w.Code, w.Body.String())
	}
}

func TestDefaultRolesApplied(t *testing.T) {
	fx := newFixture(t)
	fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, nil)
	if len(fx.orch.lastRoles) != 1 || fx.orch.lastRoles[0] != "viewer" {
		t.Errorf("roles = %v, want default [viewer]", fx.orch.lastRoles)
	}
}

func TestResetEndpoint(t *testing.T) {
	fx := newFixture(t)
	w := fx.do(t, http.MethodPost, "/reset", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if fx.orch.resets != 1 {
		t.Errorf("resets = %d", fx.orch.resets)
	}
}

func TestTaskWorkflow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id, err := fx.store.Create(ctx, &approval.Task{Tool: "EmergencyStop", RequestedByRoles: []string{"operator"}})
	if err != nil {
		t.Fatal(err)
	}

	w := fx.do(t, http.MethodGet, "/tasks", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Fatalf("list → %d %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodGet, "/tasks/"+id, "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), approval.StatusPending) {
		t.Fatalf("get → %d %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodPost, "/tasks/"+id+"/approve", `{"by":"supervisor-1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("approve → %d %s", w.Code, w.Body.String())
	}
	var task approval.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != approval.StatusApproved || task.ApprovedBy != "supervisor-1" {
		t.Errorf("task = %+v", task)
	}

	// A second approve is not a valid transition.
	w = fx.do(t, http.MethodPost, "/tasks/"+id+"/approve", `{"by":"supervisor-2"}`, nil)
	if w.Code != http.StatusBadRequest || decodeError(t, w) != codeBadRequest {
		t.Errorf("re-approve → %d %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodPost, "/tasks/"+id+"/execute", "", map[string]string{"X-Roles": "supervisor"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), orchestrator.StatusCompleted) {
		t.Errorf("execute → %d %s", w.Code, w.Body.String())
	}
}

func TestTaskNotFound(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/tasks/task-missing", "", nil)
	if w.Code != http.StatusNotFound || decodeError(t, w) != codeNotFound {
		t.Errorf("get → %d %s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodPost, "/tasks/task-missing/approve", "", nil)
	if w.Code != http.StatusNotFound || decodeError(t, w) != codeNotFound {
		t.Errorf("approve → %d %s", w.Code, w.Body.String())
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantBody string
	}{
		{orchestrator.ErrTaskNotFound, http.StatusNotFound, codeNotFound},
		{orchestrator.ErrTaskNotApproved, http.StatusBadRequest, codeBadRequest},
		{orchestrator.ErrRolesForbidden, http.StatusForbidden, codeForbidden},
	}
	for _, tt := range tests {
		fx := newFixture(t)
		fx.orch.execErr = tt.err
		w := fx.do(t, http.MethodPost, "/tasks/task-1/execute", "", nil)
		if w.Code != tt.wantCode || decodeError(t, w) != tt.wantBody {
			t.Errorf("%v → %d %s", tt.err, w.Code, w.Body.String())
		}
	}
}

func TestReadiness(t *testing.T) {
	fx := newFixture(t)
	fx.ready = false

	w := fx.do(t, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w) != codeServerNotReady {
		t.Fatalf("not ready → %d %s", w.Code, w.Body.String())
	}

	fx.ready = true
	w = fx.do(t, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ready → %d", w.Code)
	}

	if w = fx.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health → %d", w.Code)
	}
}

func TestRateLimitRejectsWithRetryAfter(t *testing.T) {
	fx := newFixture(t, func(_ *config.ServerConfig, rl *config.RateLimitConfig) {
		rl.RequestsPerMinute = 60
		rl.Burst = 1
	})

	if w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("first request → %d", w.Code)
	}
	w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, nil)
	if w.Code != http.StatusTooManyRequests || decodeError(t, w) != codeRateLimited {
		t.Fatalf("second request → %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}

	// Excluded paths bypass the limiter entirely.
	for i := 0; i < 5; i++ {
		if w := fx.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
			t.Fatalf("excluded path limited on attempt %d", i)
		}
	}
}

func TestRateLimitKeyedByAPIKey(t *testing.T) {
	fx := newFixture(t, func(_ *config.ServerConfig, rl *config.RateLimitConfig) {
		rl.RequestsPerMinute = 60
		rl.Burst = 1
	})

	a := map[string]string{"X-API-Key": "client-a"}
	b := map[string]string{"X-API-Key": "client-b"}
	if w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, a); w.Code != http.StatusOK {
		t.Fatalf("client a → %d", w.Code)
	}
	if w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, b); w.Code != http.StatusOK {
		t.Errorf("client b throttled by client a's bucket: %d", w.Code)
	}
	if w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, a); w.Code != http.StatusTooManyRequests {
		t.Errorf("client a second request → %d", w.Code)
	}
}

func TestMTLSProxySubjectMapping(t *testing.T) {
	fx := newFixture(t, func(srv *config.ServerConfig, _ *config.RateLimitConfig) {
		srv.AuthMode = "mtls"
		srv.ProxySubjectHeader = "X-Client-Subject"
		srv.SubjectRoles = map[string][]string{"cn=ops-console": {"supervisor"}}
	})

	w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, map[string]string{
		"X-Client-Subject": "cn=ops-console",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if len(fx.orch.lastRoles) != 1 || fx.orch.lastRoles[0] != "supervisor" {
		t.Errorf("roles = %v", fx.orch.lastRoles)
	}

	// No client identity at all is rejected.
	w = fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, nil)
	if w.Code != http.StatusUnauthorized || decodeError(t, w) != codeUnauthorized {
		t.Errorf("anonymous → %d %s", w.Code, w.Body.String())
	}
}

func TestDrainRefusesNewChat(t *testing.T) {
	fx := newFixture(t, func(srv *config.ServerConfig, _ *config.RateLimitConfig) {
		srv.DrainTimeout = config.Duration(10 * time.Millisecond)
	})
	fx.srv.Shutdown()

	w := fx.do(t, http.MethodPost, "/chat", `{"message":"hi"}`, nil)
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w) != codeServerShuttingDown {
		t.Fatalf("chat during drain → %d %s", w.Code, w.Body.String())
	}

	// Read-only endpoints keep working while draining.
	if w := fx.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health during drain → %d", w.Code)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	fx := newFixture(t)
	// Prime the request counter so the series exists in the exposition.
	fx.do(t, http.MethodGet, "/health", "", nil)
	w := fx.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics → %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "twinward_requests_total") {
		t.Error("exposition missing agent metrics")
	}
}
