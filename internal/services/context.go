package services

import "context"

type contextKey string

const (
	queueItemIDKey    contextKey = "queue_item_id"
	infringementIDKey contextKey = "infringement_id"
	tenantIDKey       contextKey = "tenant_id"
	requestIDKey      contextKey = "request_id"
)

// WithQueueItemID annotates context with the send queue item identifier.
func WithQueueItemID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, queueItemIDKey, id)
}

// QueueItemIDFromContext extracts the queue item identifier if present.
func QueueItemIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, queueItemIDKey)
}

// WithInfringementID annotates context with the infringement identifier.
func WithInfringementID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, infringementIDKey, id)
}

// InfringementIDFromContext returns the infringement identifier if present.
func InfringementIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, infringementIDKey)
}

// WithTenantID annotates context with the tenant the caller acts for.
func WithTenantID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext returns the tenant identifier if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, tenantIDKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
