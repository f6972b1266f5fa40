package chi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/chatwatch/internal/api/errors"
	"github.com/nkkko/chatwatch/internal/api/models"
	"github.com/nkkko/chatwatch/internal/api/response"
	"github.com/nkkko/chatwatch/internal/api/validation"
	"github.com/nkkko/chatwatch/internal/domain"
	"github.com/nkkko/chatwatch/internal/logging"
	"github.com/nkkko/chatwatch/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// Maximum accepted request body in bytes
	MaxBodySize int64

	// Origins allowed by CORS
	AllowedOrigins []string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 45 * time.Second,
		MaxBodySize:    64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// ChiAPI is the operator HTTP API
type ChiAPI struct {
	config Config
	router *chi.Mux
	server *http.Server
	engine Engine
	now    func() time.Time
	logger zerolog.Logger
}

// NewChiAPI creates a new API instance with Chi router
func NewChiAPI(config Config, engine Engine) *ChiAPI {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MaxBodySize == 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}

	a := &ChiAPI{
		config: config,
		engine: engine,
		now:    time.Now,
		logger: log.With().Str("component", "api-chi").Logger(),
	}
	a.router = a.buildRouter()
	return a
}

// Handler returns the HTTP handler serving every route
func (a *ChiAPI) Handler() http.Handler {
	return a.router
}

func (a *ChiAPI) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware())
	r.Use(logging.HTTPMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(middleware.RequestSize(a.config.MaxBodySize))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	a.registerRoutes(r)
	return r
}

// Start runs the API server until ctx is done
func (a *ChiAPI) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server with Chi router")

	listener, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.Addr, err)
	}

	a.server = &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.logger.Info().Str("addr", listener.Addr().String()).Msg("API server started")

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("API server error: %w", err)
	}
}

// registerRoutes sets up all API endpoints
func (a *ChiAPI) registerRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", a.handleStatus)

	r.Route("/watches/{owner}", func(r chi.Router) {
		r.Get("/", a.handleGetWatch)
		r.Put("/", a.handleEnsureWatch)
		r.Post("/renew", a.handleRenewWatch)
		r.Delete("/", a.handleDeleteWatch)
	})
}

// handleReady reports ready unless an owner is being watched without a live connection
func (a *ChiAPI) handleReady(w http.ResponseWriter, r *http.Request) {
	status := a.engine.Status()
	if len(status.Owners) > 0 && status.Connection != "connected" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("connection " + status.Connection))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *ChiAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, models.StatusFromEngine(a.engine.Status(), a.now()))
}

func (a *ChiAPI) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	status, ok := a.engine.Owner(owner)
	if !ok {
		response.Error(w, r, apierrors.NotFoundError("watch_not_found", "No watch for "+owner.String()))
		return
	}
	response.JSON(w, r, http.StatusOK, models.WatchFromOwnerStatus(status, a.now()))
}

// handleEnsureWatch subscribes an owner. Without a body the default
// resources of the owner kind are watched.
func (a *ChiAPI) handleEnsureWatch(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var req models.WatchRequest
	present, err := validation.ParseOptional(r, &req)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Invalid watch request")
		response.Error(w, r, err)
		return
	}

	var specs []domain.ResourceSpec
	if present {
		specs = req.ToSpecs()
	}

	if err := a.engine.Ensure(r.Context(), owner, specs); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to ensure watch")
		response.Error(w, r, err)
		return
	}

	a.writeWatch(w, r, owner)
}

func (a *ChiAPI) handleRenewWatch(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if _, ok := a.engine.Owner(owner); !ok {
		response.Error(w, r, apierrors.NotFoundError("watch_not_found", "No watch for "+owner.String()))
		return
	}

	if err := a.engine.Renew(r.Context(), owner); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to renew watch")
		response.Error(w, r, err)
		return
	}

	a.writeWatch(w, r, owner)
}

func (a *ChiAPI) handleDeleteWatch(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerParam(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.engine.Teardown(r.Context(), owner); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Str("owner", owner.String()).Msg("Failed to delete watch")
		response.Error(w, r, err)
		return
	}
	response.NoContent(w)
}

func (a *ChiAPI) writeWatch(w http.ResponseWriter, r *http.Request, owner domain.OwnerKey) {
	status, ok := a.engine.Owner(owner)
	if !ok {
		response.Error(w, r, apierrors.NotFoundError("watch_not_found", "No watch for "+owner.String()))
		return
	}
	response.JSON(w, r, http.StatusOK, models.WatchFromOwnerStatus(status, a.now()))
}

// ownerParam parses the {owner} path segment ("chat:<id>" or "user:<id>")
func ownerParam(r *http.Request) (domain.OwnerKey, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "owner"))
	if err != nil {
		return domain.OwnerKey{}, apierrors.ValidationError("invalid_owner", "Owner is not a valid path segment")
	}
	if err := validation.Required("owner", raw); err != nil {
		return domain.OwnerKey{}, err
	}

	owner, err := domain.ParseOwnerKey(raw)
	if err != nil {
		return domain.OwnerKey{}, apierrors.ValidationError("invalid_owner", err.Error())
	}
	return owner, nil
}

// Shutdown stops the API server
func (a *ChiAPI) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
