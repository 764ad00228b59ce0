package services_test

import (
	"context"
	"testing"

	"enforcer/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithQueueItemID(ctx, "item-1")
	ctx = services.WithInfringementID(ctx, "inf-9")
	ctx = services.WithTenantID(ctx, "tenant-a")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.QueueItemIDFromContext(ctx); !ok || id != "item-1" {
		t.Fatalf("unexpected item id: %v %v", id, ok)
	}
	if id, ok := services.InfringementIDFromContext(ctx); !ok || id != "inf-9" {
		t.Fatalf("unexpected infringement id: %v %v", id, ok)
	}
	if id, ok := services.TenantIDFromContext(ctx); !ok || id != "tenant-a" {
		t.Fatalf("unexpected tenant: %v %v", id, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithQueueItemID(ctx, "")
	if _, ok := services.QueueItemIDFromContext(ctx); ok {
		t.Fatal("expected no queue item id when blank value provided")
	}
}
