package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/keymaster/credential"
	"github.com/stephnangue/keymaster/helper"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/version"
)

// Sweepable is the slice of the maintenance worker the handler needs
type Sweepable interface {
	SweepAll(ctx context.Context) error
}

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Router  *credential.Router
	Sweeper Sweepable
	Logger  log.Logger
}

// Handler creates the broker's operational HTTP surface. The control-plane
// API proper lives elsewhere; this listener carries health, maintenance,
// and credential verification only.
func Handler(props *HandlerProperties) http.Handler {
	logger := props.Logger.WithSubsystem("http")

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/v1/sys/health", handleHealth())
	r.Post("/v1/sys/sweep", handleSweep(props.Sweeper))
	r.Post("/v1/auth/verify", handleVerify(props.Router))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "path must begin with /v1/")
	})

	return r
}

// requestID tags every request with a sortable ulid, keeping an inbound
// X-Request-Id when a fronting proxy already assigned one. The id travels
// under chi's context key so middleware.GetReqID works downstream, and is
// echoed on the response for client-side correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = helper.GenerateRequestID()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				log.String("method", r.Method),
				log.String("path", r.URL.Path),
				log.Int("status", ww.Status()),
				log.Duration("elapsed", time.Since(start)),
				log.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondOk(w, &HealthResponse{
			Status:  "ok",
			Version: version.Version,
		})
	}
}

func handleSweep(sweeper Sweepable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sweeper.SweepAll(r.Context()); err != nil {
			respondCoded(w, err)
			return
		}
		respondOk(w, map[string]bool{"swept": true})
	}
}

// VerifyRequest is the body of the credential verification endpoint
type VerifyRequest struct {
	Credential    string `json:"credential"`
	Allow         string `json:"allow,omitempty"` // "either", "user", "role"
	RequireScoped bool   `json:"require_scoped,omitempty"`
	Consume       bool   `json:"consume,omitempty"`
}

// VerifyResponse is the verified principal on the wire
type VerifyResponse struct {
	Shape    string `json:"shape"`
	User     string `json:"user,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	Scoped   bool   `json:"scoped"`
	Region   string `json:"region,omitempty"`
	RolePath string `json:"role_path,omitempty"`
	Creator  string `json:"creator,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	IP       string `json:"ip,omitempty"`
}

func handleVerify(router *credential.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "request body is not valid json")
			return
		}

		policy := credential.Policy{
			RequireScoped: req.RequireScoped,
			Consume:       req.Consume,
		}
		switch req.Allow {
		case "", "either":
			policy.Allow = credential.AllowEither
		case "user":
			policy.Allow = credential.AllowUserOnly
		case "role":
			policy.Allow = credential.AllowRoleOnly
		default:
			respondError(w, http.StatusBadRequest, "allow must be either, user, or role")
			return
		}

		principal, err := router.Route(r.Context(), req.Credential, remoteIP(r), policy)
		if err != nil {
			respondCoded(w, err)
			return
		}

		respondOk(w, &VerifyResponse{
			Shape:    principal.Shape.String(),
			User:     principal.User,
			Tenant:   principal.Tenant,
			Scoped:   principal.Scoped,
			Region:   principal.Region,
			RolePath: principal.RolePath,
			Creator:  principal.Creator,
			Hostname: principal.Hostname,
			IP:       principal.IP,
		})
	}
}
