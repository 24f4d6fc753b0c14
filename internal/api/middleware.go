package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkessel/twinward/internal/audit"
	"github.com/mkessel/twinward/internal/metrics"
)

// Machine-readable error codes of the error envelope.
const (
	codeInvalidJSON        = "invalid_json"
	codeMissingField       = "missing_field"
	codeNotFound           = "not_found"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeRateLimited        = "rate_limited"
	codeServerNotReady     = "server_not_ready"
	codeServerShuttingDown = "server_shutting_down"
	codeOperationFailed    = "operation_failed"
	codeBadRequest         = "bad_request"
)

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

type ctxKey int

const (
	rolesKey ctxKey = iota
	requestIDCtxKey
)

func rolesFrom(ctx context.Context) []string {
	v, _ := ctx.Value(rolesKey).([]string)
	return v
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDCtxKey).(string)
	return v
}

func subjectFrom(ctx context.Context) string {
	return audit.SubjectFrom(ctx)
}

// requestIdentity honors an incoming X-Request-ID or mints one, echoes
// it on the response, and folds it into the ambient audit context.
func requestIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)

		ctx := audit.WithRequestID(r.Context(), rid)
		ctx = context.WithValue(ctx, requestIDCtxKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the caller's subject and roles per the
// configured auth mode and stores them on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var subject string
		var roles []string

		switch s.cfg.AuthMode {
		case "mtls":
			subject = s.peerSubject(r)
			if subject == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "client identity required")
				return
			}
			roles = s.cfg.SubjectRoles[subject]
			if len(roles) == 0 {
				roles = s.cfg.DefaultRoles
			}
		default:
			subject = r.Header.Get("X-Subject")
			roles = splitRoles(r.Header.Get("X-Roles"))
			if len(roles) == 0 {
				roles = s.cfg.DefaultRoles
			}
		}

		ctx := context.WithValue(r.Context(), rolesKey, roles)
		if subject != "" {
			ctx = audit.WithSubject(ctx, subject)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peerSubject is the client-certificate CommonName, or the trusted
// proxy header when TLS terminates upstream.
func (s *Server) peerSubject(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	if s.cfg.ProxySubjectHeader != "" {
		return r.Header.Get(s.cfg.ProxySubjectHeader)
	}
	return ""
}

func splitRoles(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// drainGuard refuses new chat work once shutdown begins and tracks every
// request so the drain can wait for the in-flight ones.
func (s *Server) drainGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.draining:
			if r.URL.Path == "/chat" || strings.HasSuffix(r.URL.Path, "/execute") {
				writeError(w, http.StatusServiceUnavailable, codeServerShuttingDown, "server is shutting down")
				return
			}
		default:
		}
		s.inflight.Add(1)
		defer s.inflight.Done()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// instrument records the request counter and duration histogram, keyed
// by a normalized endpoint label so task ids do not explode cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordRequest(endpointLabel(r.URL.Path), httpStatusLabel(rec.status), time.Since(start))
	})
}

func endpointLabel(path string) string {
	if !strings.HasPrefix(path, "/tasks/") {
		return path
	}
	rest := strings.TrimPrefix(path, "/tasks/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return "/tasks/{id}" + rest[i:]
	}
	return "/tasks/{id}"
}

func httpStatusLabel(status int) string {
	return strconv.Itoa(status)
}
