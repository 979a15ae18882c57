// Package web exposes the auth service as a small JSON API.
//
// The handlers only translate between HTTP and the service, every rule
// lives in the auth package. Error responses are deliberately coarse so
// they don't leak more than the service errors do.
package web

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mackdin/authcore/internal"
	"github.com/mackdin/authcore/internal/auth"
	"github.com/mackdin/authcore/internal/errorz"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

// ServerDeps are the dependencies for the server.
type ServerDeps struct {
	Logger      *slog.Logger
	AuthService *auth.Service
}

type Server struct {
	deps    *ServerDeps
	mux     *http.ServeMux
	handler http.Handler
}

func NewServer(deps *ServerDeps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}

	s.routes()

	s.handler = s.logRequests(s.mux)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.deps.Logger.Info("request served",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", time.Since(start),
		)
	})
}

// handleError translates errors to HTTP status codes. Token and
// credential failures intentionally share a single 401 response.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidInput errorz.InvalidInput
	if errors.As(err, &invalidInput) {
		writeInvalidInput(w, invalidInput)
		return
	}

	switch {
	case errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, "bad request")
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrEmailNotVerified):
		writeError(w, http.StatusForbidden, "email not verified")
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "an account with this email already exists")
	case errors.Is(err, errorz.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrStoreUnavailable):
		s.deps.Logger.Error("store unavailable", "url", r.URL.String(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		s.deps.Logger.Error("internal server error", "url", r.URL.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, errorResponse{Error: msg})
}

// writeInvalidInput reports every violated field, matching how the auth
// package validates all fields at once.
func writeInvalidInput(w http.ResponseWriter, invalid errorz.InvalidInput) {
	fields := make(map[string]string, len(invalid))
	for _, err := range invalid {
		var keyed errorz.Keyed
		if errors.As(err, &keyed) {
			fields[keyed.Key] = keyed.Err.Error()
			continue
		}
		fields["_"] = err.Error()
	}

	_ = writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:  "invalid input",
		Fields: fields,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Revision string `json:"revision"`
	}{
		Status:   "ok",
		Revision: internal.BuildRevision,
	})
}

func (s *Server) routes() {
	s.mux.Handle("POST /signup", s.signupHandler())
	s.mux.Handle("POST /verify-email", s.verifyEmailHandler())
	s.mux.Handle("POST /login", s.loginHandler())
	s.mux.Handle("POST /refresh", s.refreshHandler())
	s.mux.Handle("POST /forgot-password", s.forgotPasswordHandler())
	s.mux.Handle("POST /reset-password", s.resetPasswordHandler())
	s.mux.Handle("POST /change-password", s.changePasswordHandler())
	s.mux.Handle("GET /me", s.meHandler())

	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}
