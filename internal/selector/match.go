package selector

import (
	"slices"
	"sort"
	"strconv"
	"strings"

	"product-data-generator/internal/models"
)

// Match evaluates the selector against a single product in memory. It
// mirrors the SQL produced by SQL.
func (s Selector) Match(p models.Product) bool {
	if !slices.Contains(s.Status, "any") && !slices.Contains(s.Status, p.Status) {
		return false
	}
	if len(s.IDs) > 0 && !slices.Contains(s.IDs, p.ID) {
		return false
	}
	if slices.Contains(s.ExcludeIDs, p.ID) {
		return false
	}
	if len(s.Types) > 0 && !slices.Contains(s.Types, p.Type) {
		return false
	}
	if len(s.Categories) > 0 && !overlaps(s.Categories, p.Categories) {
		return false
	}
	if len(s.Tags) > 0 && !overlaps(s.Tags, p.Tags) {
		return false
	}
	if s.SKUPrefix != "" && !strings.HasPrefix(p.SKU, s.SKUPrefix) {
		return false
	}
	if s.Search != "" {
		needle := strings.ToLower(s.Search)
		if !strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Description), needle) {
			return false
		}
	}
	if s.MinPrice != nil || s.MaxPrice != nil {
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return false
		}
		if s.MinPrice != nil && price < *s.MinPrice {
			return false
		}
		if s.MaxPrice != nil && price > *s.MaxPrice {
			return false
		}
	}
	if s.MissingDescription && strings.TrimSpace(p.Description) != "" {
		return false
	}
	return true
}

// Apply filters, orders and limits products in memory and returns their ids.
func (s Selector) Apply(products []models.Product) []int64 {
	matched := make([]models.Product, 0, len(products))
	for _, p := range products {
		if s.Match(p) {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if s.Order == "ASC" {
			return s.less(a, b)
		}
		return s.less(b, a)
	})
	if s.Limit > 0 && len(matched) > s.Limit {
		matched = matched[:s.Limit]
	}
	ids := make([]int64, len(matched))
	for i, p := range matched {
		ids[i] = p.ID
	}
	return ids
}

func (s Selector) less(a, b models.Product) bool {
	switch s.OrderBy {
	case "id":
		return a.ID < b.ID
	case "name":
		if a.Name != b.Name {
			return a.Name < b.Name
		}
	case "sku":
		if a.SKU != b.SKU {
			return a.SKU < b.SKU
		}
	case "price":
		pa, _ := strconv.ParseFloat(a.Price, 64)
		pb, _ := strconv.ParseFloat(b.Price, 64)
		if pa != pb {
			return pa < pb
		}
	default:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	return a.ID < b.ID
}

func overlaps(want, have []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
