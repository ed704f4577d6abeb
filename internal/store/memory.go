package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"product-data-generator/internal/models"
	"product-data-generator/internal/selector"
)

// Memory is an in-process catalog with the same surface as Store. Tests and
// dry runs use it where Postgres is not available.
type Memory struct {
	mu          sync.RWMutex
	products    map[int64]models.Product
	generations map[int64]map[string]time.Time
	audit       []models.AuditLog
}

// NewMemory returns a catalog seeded with products.
func NewMemory(products ...models.Product) *Memory {
	m := &Memory{
		products:    make(map[int64]models.Product, len(products)),
		generations: make(map[int64]map[string]time.Time),
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// Put adds or replaces a product.
func (m *Memory) Put(p models.Product) {
	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) ResolveSelector(_ context.Context, sel selector.Selector) ([]int64, error) {
	m.mu.RLock()
	all := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		all = append(all, p)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return sel.Apply(all), nil
}

func (m *Memory) ProductNames(_ context.Context, ids []int64) (map[int64]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p.Name
		}
	}
	return out, nil
}

func (m *Memory) GetProduct(_ context.Context, id int64) (models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return models.Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return p, nil
}

func (m *Memory) LastGenerated(_ context.Context, ids []int64) (map[int64]map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]map[string]time.Time)
	for _, id := range ids {
		if recs, ok := m.generations[id]; ok {
			cp := make(map[string]time.Time, len(recs))
			for k, v := range recs {
				cp[k] = v
			}
			out[id] = cp
		}
	}
	return out, nil
}

func (m *Memory) MarkGenerated(_ context.Context, productID int64, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generations[productID] == nil {
		m.generations[productID] = make(map[string]time.Time)
	}
	m.generations[productID][taskID] = at
	return nil
}

func (m *Memory) UpdateDescription(_ context.Context, productID int64, text string) error {
	return m.update(productID, func(p *models.Product) { p.Description = text })
}

func (m *Memory) UpdateShortDescription(_ context.Context, productID int64, text string) error {
	return m.update(productID, func(p *models.Product) { p.ShortDescription = text })
}

func (m *Memory) UpdateSEO(_ context.Context, productID int64, seo models.SEO) error {
	return m.update(productID, func(p *models.Product) {
		if seo.MetaTitle != "" {
			p.SEO.MetaTitle = seo.MetaTitle
		}
		if seo.MetaDescription != "" {
			p.SEO.MetaDescription = seo.MetaDescription
		}
		if seo.FocusKeyword != "" {
			p.SEO.FocusKeyword = seo.FocusKeyword
		}
	})
}

func (m *Memory) update(productID int64, fn func(*models.Product)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	fn(&p)
	m.products[productID] = p
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, entry models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Recorded.IsZero() {
		entry.Recorded = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, queueID string, limit int) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].QueueID != queueID {
			continue
		}
		out = append(out, m.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
