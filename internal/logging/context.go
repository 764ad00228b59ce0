package logging

import (
	"context"
	"log/slog"

	"enforcer/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldInfringementID identifies the infringement a log line concerns.
	FieldInfringementID = "infringement_id"
	// FieldQueueItemID identifies a send queue item.
	FieldQueueItemID = "queue_item_id"
	// FieldBatchID identifies a queue batch.
	FieldBatchID = "batch_id"
	// FieldScanID identifies a scan.
	FieldScanID = "scan_id"
	// FieldTenantID identifies the owning tenant.
	FieldTenantID = "tenant_id"
	// FieldActor records who triggered a transition.
	FieldActor = "actor"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries a next-step hint for operators.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.QueueItemIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldQueueItemID, id))
	}
	if id, ok := services.InfringementIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldInfringementID, id))
	}
	if tenant, ok := services.TenantIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTenantID, tenant))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
