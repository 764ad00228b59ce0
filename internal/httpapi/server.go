package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enforcer/internal/config"
	"enforcer/internal/deadlines"
	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/logging"
	"enforcer/internal/pipeline"
	"enforcer/internal/precision"
	"enforcer/internal/sendqueue"
	"enforcer/internal/services"
	"enforcer/internal/store"
)

// Queue is the send queue surface the API drives.
type Queue interface {
	Enqueue(ctx context.Context, caller enforcement.Caller, infringementID string, targets []enforcement.Target) (sendqueue.EnqueueResult, error)
	EnqueueProduct(ctx context.Context, caller enforcement.Caller, productID string, resolver sendqueue.TargetResolver) (sendqueue.EnqueueResult, error)
	MarkManuallySubmitted(ctx context.Context, caller enforcement.Caller, itemID, note string) (store.ManualOutcome, error)
	ProcessCycle(ctx context.Context, caller enforcement.Caller, limit int) (sendqueue.CycleResult, error)
	BatchProgress(ctx context.Context, caller enforcement.Caller, batchID string) (enforcement.BatchProgress, error)
}

// Deadlines is the deadline tracker surface.
type Deadlines interface {
	CheckAndEscalate(ctx context.Context) (deadlines.Result, int, error)
	CheckInfringementReviews(ctx context.Context) (deadlines.ReviewResult, error)
}

// Scans runs scans and reports their history.
type Scans interface {
	Run(ctx context.Context, scanID string) (pipeline.Report, error)
	RunCandidates(ctx context.Context, scanID string, candidates []ledger.Candidate) (pipeline.Report, error)
}

// Statistics aggregates scan history.
type Statistics interface {
	Statistics(ctx context.Context, scanID string) (ledger.Statistics, error)
}

// Precision computes category accuracy.
type Precision interface {
	ComputePrecision(ctx context.Context) (map[string]precision.Stat, error)
}

// Records is the store surface used for owner record changes.
type Records interface {
	Ping(ctx context.Context) error
	GetScan(ctx context.Context, id string) (*enforcement.Scan, error)
	GetProduct(ctx context.Context, id string) (*enforcement.Product, error)
	GetInfringement(ctx context.Context, id string) (*enforcement.Infringement, error)
	InfringementTenant(ctx context.Context, id string) (string, error)
	Verify(ctx context.Context, id string, verdict enforcement.Verdict, actor enforcement.Actor, reason string) (*enforcement.Infringement, error)
	TransitionInfringement(ctx context.Context, id string, event enforcement.Event, actor enforcement.Actor, reason string) (*enforcement.Infringement, error)
	Reassign(ctx context.Context, id, newProductID string, actor enforcement.Actor) (*enforcement.Infringement, error)
	GetTakedown(ctx context.Context, id string) (*enforcement.Takedown, error)
	ResolveTakedown(ctx context.Context, id string, status enforcement.TakedownStatus, actor enforcement.Actor, reason string) (*enforcement.Takedown, error)
}

// Deps are the components behind the routes.
type Deps struct {
	Records    Records
	Queue      Queue
	Deadlines  Deadlines
	Scans      Scans
	Statistics Statistics
	Precision  Precision
	Resolver   sendqueue.TargetResolver
}

// Server is the HTTP front-end.
type Server struct {
	deps            Deps
	schedulerSecret string
	limiter         *tenantLimiter
	logger          *slog.Logger
	router          chi.Router
}

// New builds the router for deps.
func New(cfg config.Server, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:            deps,
		schedulerSecret: strings.TrimSpace(cfg.SchedulerSecret),
		limiter:         newTenantLimiter(cfg.TenantRequestsPerMinute, cfg.TenantBurst),
		logger:          logging.NewComponentLogger(logger, "httpapi"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/internal", func(in chi.Router) {
		in.Use(s.requireScheduler)
		in.Post("/queue/cycle", s.handleCycle)
		in.Post("/deadlines/check", s.handleDeadlineCheck)
		in.Post("/reviews/check", s.handleReviewCheck)
		in.Post("/scans/{scanID}/run", s.handleScanRun)
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(s.requireOwner)
		api.Post("/infringements/{id}/takedowns", s.handleEnqueue)
		api.Post("/infringements/{id}/verify", s.handleVerify)
		api.Post("/infringements/{id}/reopen", s.handleTransition(enforcement.EventReopen))
		api.Post("/infringements/{id}/removed", s.handleTransition(enforcement.EventMarkRemoved))
		api.Post("/infringements/{id}/reassign", s.handleReassign)
		api.Post("/products/{id}/takedowns", s.handleEnqueueProduct)
		api.Post("/takedowns/{id}/resolve", s.handleResolveTakedown)
		api.Post("/queue/{id}/manual-submit", s.handleManualSubmit)
		api.Post("/queue/cycle", s.handleCycle)
		api.Get("/batches/{id}", s.handleBatch)
		api.Get("/scans/{id}/stats", s.handleScanStats)
		api.Get("/precision", s.handlePrecision)
	})
	return r
}

// Serve accepts connections on listener until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps err onto a status code by its marker.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, services.ErrConfiguration):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", services.ErrValidation, err)
	}
	return nil
}
