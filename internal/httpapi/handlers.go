package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"enforcer/internal/enforcement"
	"enforcer/internal/ledger"
	"enforcer/internal/logging"
	"enforcer/internal/pipeline"
	"enforcer/internal/sendqueue"
	"enforcer/internal/services"
)

const defaultCycleLimit = 25

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records != nil {
		if err := s.deps.Records.Ping(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCycle serves both the scheduler trigger and the owner-scoped cycle;
// the caller in context decides the scope.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "send queue not configured")
		return
	}
	limit := queryInt(r, "limit", defaultCycleLimit)
	if limit > sendqueue.MaxCycleLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be at most %d", sendqueue.MaxCycleLimit))
		return
	}
	result, err := s.deps.Queue.ProcessCycle(r.Context(), callerFrom(r.Context()), limit)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(r.Context(), s.logger), "queue cycle finished with errors", "queue_cycle_error",
			logging.Int("processed", result.Processed),
			logging.Error(err),
		)
		if result.Processed == 0 {
			s.writeFailure(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeadlineCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deadlines == nil {
		s.writeError(w, http.StatusServiceUnavailable, "deadline tracker not configured")
		return
	}
	result, escalated, err := s.deps.Deadlines.CheckAndEscalate(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"updated_count": result.UpdatedCount,
		"suggestions":   result.Suggestions,
		"escalated":     escalated,
	})
}

func (s *Server) handleReviewCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deadlines == nil {
		s.writeError(w, http.StatusServiceUnavailable, "deadline tracker not configured")
		return
	}
	result, err := s.deps.Deadlines.CheckInfringementReviews(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type scanRunRequest struct {
	Candidates []candidateView `json:"candidates"`
}

func (s *Server) handleScanRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scans == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scan pipeline not configured")
		return
	}
	var req scanRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	scanID := chi.URLParam(r, "scanID")
	var (
		report pipeline.Report
		err    error
	)
	if len(req.Candidates) > 0 {
		candidates := make([]ledger.Candidate, len(req.Candidates))
		for i, c := range req.Candidates {
			candidates[i] = c.candidate()
		}
		report, err = s.deps.Scans.RunCandidates(r.Context(), scanID, candidates)
	} else {
		report, err = s.deps.Scans.Run(r.Context(), scanID)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type enqueueRequest struct {
	Targets []enforcement.Target `json:"targets"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerFrom(ctx)
	id := chi.URLParam(r, "id")
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	targets := req.Targets
	if len(targets) == 0 {
		resolved, err := s.resolveFirst(ctx, caller, id)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		targets = resolved
	}
	result, err := s.deps.Queue.Enqueue(ctx, caller, id, targets)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

// resolveFirst picks the most direct known target when the owner did not
// name one.
func (s *Server) resolveFirst(ctx context.Context, caller enforcement.Caller, infringementID string) ([]enforcement.Target, error) {
	if s.deps.Resolver == nil {
		return nil, fmt.Errorf("%w: at least one target is required", services.ErrValidation)
	}
	if err := s.authorizeInfringement(ctx, caller, infringementID); err != nil {
		return nil, err
	}
	inf, err := s.deps.Records.GetInfringement(ctx, infringementID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.deps.Resolver.Resolve(ctx, inf)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no enforcement target known for %s", services.ErrValidation, inf.Domain)
	}
	return resolved[:1], nil
}

func (s *Server) handleEnqueueProduct(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "target directory not configured")
		return
	}
	result, err := s.deps.Queue.EnqueueProduct(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), s.deps.Resolver)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

type manualSubmitRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleManualSubmit(w http.ResponseWriter, r *http.Request) {
	var req manualSubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	outcome, err := s.deps.Queue.MarkManuallySubmitted(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, manualSubmitResponse{
		Item:          toQueueItemView(outcome.Item),
		Takedown:      toTakedownView(outcome.Takedown),
		AlreadyClosed: outcome.AlreadyClosed,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	progress, err := s.deps.Queue.BatchProgress(r.Context(), callerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBatchView(progress))
}

type verifyRequest struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerFrom(ctx)
	id := chi.URLParam(r, "id")
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.authorizeInfringement(ctx, caller, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	verdict := enforcement.Verdict(strings.ToLower(strings.TrimSpace(req.Verdict)))
	inf, err := s.deps.Records.Verify(ctx, id, verdict, caller.Actor("httpapi"), req.Reason)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toInfringementView(inf))
}

type transitionRequest struct {
	Reason string `json:"reason"`
}

// handleTransition applies an owner-driven lifecycle event such as reopen
// or mark_removed.
func (s *Server) handleTransition(event enforcement.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller := callerFrom(ctx)
		id := chi.URLParam(r, "id")
		var req transitionRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeFailure(w, err)
			return
		}
		if err := s.authorizeInfringement(ctx, caller, id); err != nil {
			s.writeFailure(w, err)
			return
		}
		inf, err := s.deps.Records.TransitionInfringement(ctx, id, event, caller.Actor("httpapi"), req.Reason)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toInfringementView(inf))
	}
}

type resolveRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleResolveTakedown(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerFrom(ctx)
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	status := enforcement.TakedownStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != enforcement.TakedownResolved && status != enforcement.TakedownFailed {
		s.writeError(w, http.StatusBadRequest, "status must be resolved or failed")
		return
	}
	td, err := s.deps.Records.GetTakedown(ctx, id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.authorizeInfringement(ctx, caller, td.InfringementID); err != nil {
		s.writeFailure(w, err)
		return
	}
	td, err = s.deps.Records.ResolveTakedown(ctx, id, status, caller.Actor("httpapi"), req.Reason)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toTakedownView(td))
}

type reassignRequest struct {
	ProductID string `json:"product_id"`
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerFrom(ctx)
	id := chi.URLParam(r, "id")
	var req reassignRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" {
		s.writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	if err := s.authorizeInfringement(ctx, caller, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	product, err := s.deps.Records.GetProduct(ctx, req.ProductID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !caller.CanAccess(product.TenantID) {
		s.writeFailure(w, fmt.Errorf("%w: product %s", services.ErrUnauthorized, req.ProductID))
		return
	}
	inf, err := s.deps.Records.Reassign(ctx, id, req.ProductID, caller.Actor("httpapi"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toInfringementView(inf))
}

func (s *Server) handleScanStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	scan, err := s.deps.Records.GetScan(ctx, id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if !callerFrom(ctx).CanAccess(scan.TenantID) {
		s.writeFailure(w, fmt.Errorf("%w: scan %s", services.ErrUnauthorized, id))
		return
	}
	stats, err := s.deps.Statistics.Statistics(ctx, id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toScanStatsView(stats))
}

func (s *Server) handlePrecision(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Precision.ComputePrecision(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"categories": toPrecisionViews(stats)})
}

func (s *Server) authorizeInfringement(ctx context.Context, caller enforcement.Caller, id string) error {
	tenant, err := s.deps.Records.InfringementTenant(ctx, id)
	if err != nil {
		return err
	}
	if !caller.CanAccess(tenant) {
		return fmt.Errorf("%w: infringement %s", services.ErrUnauthorized, id)
	}
	return nil
}
