// Package registry serves measurement schemas by product. Schemas are
// validated when registered and are read-only afterwards.
package registry

import (
	"context"
	"fmt"
	"measurecore/pkg/domain"
	"sort"
	"sync"
)

// SchemaRegistry resolves product schemas.
type SchemaRegistry interface {
	Product(ctx context.Context, productID string) (domain.Product, error)
	MeasurementPoint(ctx context.Context, productID, nameID string) (domain.MeasurementPoint, error)
}

var _ SchemaRegistry = (*Memory)(nil)

// Memory is an in-memory SchemaRegistry.
type Memory struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewMemory returns a registry holding products. Any invalid schema fails
// the whole construction.
func NewMemory(products ...domain.Product) (*Memory, error) {
	m := &Memory{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		if err := m.Register(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register validates p and adds it. Product ids must be unique.
func (m *Memory) Register(p domain.Product) error {
	if p.ProductID == "" {
		return fmt.Errorf("product id is required")
	}
	if err := domain.ValidateProduct(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.products[p.ProductID]; exists {
		return fmt.Errorf("product %q already registered", p.ProductID)
	}
	m.products[p.ProductID] = p
	return nil
}

// Product returns the schema of productID.
func (m *Memory) Product(_ context.Context, productID string) (domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[productID]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %q: %w", productID, domain.ErrNotFound)
	}
	return p, nil
}

// MeasurementPoint returns one point of a product.
func (m *Memory) MeasurementPoint(ctx context.Context, productID, nameID string) (domain.MeasurementPoint, error) {
	p, err := m.Product(ctx, productID)
	if err != nil {
		return domain.MeasurementPoint{}, err
	}
	mp, ok := p.Point(nameID)
	if !ok {
		return domain.MeasurementPoint{}, fmt.Errorf("measurement item %q of product %q: %w", nameID, productID, domain.ErrNotFound)
	}
	return mp, nil
}

// ProductIDs lists registered products in ascending order.
func (m *Memory) ProductIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.products))
	for id := range m.products {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
