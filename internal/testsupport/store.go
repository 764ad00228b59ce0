package testsupport

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"enforcer/internal/config"
	"enforcer/internal/enforcement"
	"enforcer/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...store.Option) *store.Store {
	t.Helper()

	st, err := store.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// SeedProduct creates a product owned by tenantID.
func SeedProduct(t testing.TB, st *store.Store, tenantID, name string) *enforcement.Product {
	t.Helper()

	product, err := st.CreateProduct(context.Background(), tenantID, name)
	if err != nil {
		t.Fatalf("store.CreateProduct: %v", err)
	}
	return product
}

// SeedScan creates a scan for productID.
func SeedScan(t testing.TB, st *store.Store, productID string) *enforcement.Scan {
	t.Helper()

	scan, err := st.CreateScan(context.Background(), productID, "weekly")
	if err != nil {
		t.Fatalf("store.CreateScan: %v", err)
	}
	return scan
}

// SeedInfringement inserts an infringement at rawURL in the given status.
// The URL key is the URL itself lower-cased, which is enough for store tests.
func SeedInfringement(t testing.TB, st *store.Store, productID, rawURL string, status enforcement.InfringementStatus) *enforcement.Infringement {
	t.Helper()

	host := ""
	if parsed, err := url.Parse(rawURL); err == nil {
		host = parsed.Hostname()
	}
	inf, created, err := st.CreateInfringement(context.Background(), &enforcement.Infringement{
		ProductID: productID,
		SourceURL: rawURL,
		URLKey:    strings.ToLower(rawURL),
		Domain:    host,
		Platform:  host,
		Category:  "file_host",
		Severity:  50,
		Status:    status,
	})
	if err != nil {
		t.Fatalf("store.CreateInfringement: %v", err)
	}
	if !created {
		t.Fatalf("infringement %s already existed", rawURL)
	}
	return inf
}

// EmailTarget returns a dispatchable direct-email target for tier.
func EmailTarget(tier enforcement.TargetTier, name string) enforcement.Target {
	return enforcement.Target{
		Tier:      tier,
		Name:      name,
		Method:    enforcement.MethodDirectEmail,
		Recipient: "abuse@" + strings.ToLower(strings.ReplaceAll(name, " ", "")) + ".example",
	}
}

// SeedQueueItem creates a one-item batch for inf addressed to target.
func SeedQueueItem(t testing.TB, st *store.Store, tenantID string, inf *enforcement.Infringement, target enforcement.Target) *enforcement.QueueItem {
	t.Helper()

	item := &enforcement.QueueItem{
		InfringementID: inf.ID,
		Target:         target,
		Method:         target.Method,
		MaxAttempts:    3,
	}
	batch := &enforcement.QueueBatch{TenantID: tenantID, ProductID: inf.ProductID, CreatedBy: "test"}
	if err := st.CreateBatch(context.Background(), batch, []*enforcement.QueueItem{item}); err != nil {
		t.Fatalf("store.CreateBatch: %v", err)
	}
	return item
}
