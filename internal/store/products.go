package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"enforcer/internal/enforcement"
	"enforcer/internal/services"
)

// CreateProduct registers a protected product for a tenant.
func (s *Store) CreateProduct(ctx context.Context, tenantID, name string) (*enforcement.Product, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: product tenant is required", services.ErrValidation)
	}
	product := &enforcement.Product{
		ID:        s.newID(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.clock(),
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO products (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)`,
		product.ID, product.TenantID, product.Name, formatTime(product.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert product: %w", err)
	}
	return product, nil
}

// GetProduct fetches a product by identifier.
func (s *Store) GetProduct(ctx context.Context, id string) (*enforcement.Product, error) {
	return getProduct(ensureContext(ctx), s.db, id)
}

func getProduct(ctx context.Context, q querier, id string) (*enforcement.Product, error) {
	var (
		product    enforcement.Product
		createdRaw sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM products WHERE id = ?`, id,
	).Scan(&product.ID, &product.TenantID, &product.Name, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("product", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	product.CreatedAt = parseTime(createdRaw)
	return &product, nil
}

// CreateScan registers a recurring scan for a product.
func (s *Store) CreateScan(ctx context.Context, productID, name string) (*enforcement.Scan, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	scan := &enforcement.Scan{
		ID:        s.newID(),
		ProductID: product.ID,
		TenantID:  product.TenantID,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.clock(),
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO scans (id, product_id, tenant_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		scan.ID, scan.ProductID, scan.TenantID, scan.Name, formatTime(scan.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("insert scan: %w", err)
	}
	return scan, nil
}

// GetScan fetches a scan by identifier.
func (s *Store) GetScan(ctx context.Context, id string) (*enforcement.Scan, error) {
	var (
		scan       enforcement.Scan
		createdRaw sql.NullString
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, product_id, tenant_id, name, created_at FROM scans WHERE id = ?`, id,
	).Scan(&scan.ID, &scan.ProductID, &scan.TenantID, &scan.Name, &createdRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("scan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	scan.CreatedAt = parseTime(createdRaw)
	return &scan, nil
}
