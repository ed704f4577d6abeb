// Package selector parses product selectors: a constrained, declarative
// filter over the catalog. Selectors arrive as a JSON object or as URL query
// parameters and are compiled to parameterised SQL; they are never evaluated
// as code.
package selector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidSelector marks selectors that cannot be resolved.
var ErrInvalidSelector = errors.New("invalid selector")

var (
	validOrderBy = []string{"date", "id", "name", "price", "sku"}
	validStatus  = []string{"publish", "draft", "pending", "private", "any"}
)

// Selector is a declarative product query.
type Selector struct {
	IDs                []int64  `json:"ids,omitempty"`
	ExcludeIDs         []int64  `json:"exclude_ids,omitempty"`
	Status             []string `json:"status,omitempty"`
	Types              []string `json:"types,omitempty"`
	Categories         []string `json:"categories,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	SKUPrefix          string   `json:"sku_prefix,omitempty"`
	Search             string   `json:"search,omitempty"`
	MinPrice           *float64 `json:"min_price,omitempty"`
	MaxPrice           *float64 `json:"max_price,omitempty"`
	MissingDescription bool     `json:"missing_description,omitempty"`
	OrderBy            string   `json:"orderby,omitempty"`
	Order              string   `json:"order,omitempty"`
	Limit              int      `json:"limit,omitempty"`
}

// Parse reads a selector from its stored text form. A JSON object or a URL
// query string is accepted; anything else is ErrInvalidSelector.
func Parse(raw string) (Selector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Selector{}, fmt.Errorf("%w: selector is empty", ErrInvalidSelector)
	}

	var sel Selector
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "\"") {
		if !strings.HasPrefix(raw, "{") {
			return Selector{}, fmt.Errorf("%w: must be an object", ErrInvalidSelector)
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sel); err != nil {
			return Selector{}, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
	} else {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return Selector{}, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
		if sel, err = fromValues(values); err != nil {
			return Selector{}, err
		}
	}

	sel.normalize()
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

func fromValues(values url.Values) (Selector, error) {
	var sel Selector
	for key, vals := range values {
		joined := splitList(vals)
		switch key {
		case "ids", "include":
			ids, err := parseIDs(joined)
			if err != nil {
				return Selector{}, err
			}
			sel.IDs = ids
		case "exclude_ids", "exclude":
			ids, err := parseIDs(joined)
			if err != nil {
				return Selector{}, err
			}
			sel.ExcludeIDs = ids
		case "status", "post_status":
			sel.Status = joined
		case "type", "types":
			sel.Types = joined
		case "category", "categories", "product_cat":
			sel.Categories = joined
		case "tag", "tags", "product_tag":
			sel.Tags = joined
		case "sku_prefix":
			sel.SKUPrefix = values.Get(key)
		case "search", "s":
			sel.Search = values.Get(key)
		case "min_price", "max_price":
			f, err := strconv.ParseFloat(values.Get(key), 64)
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %s: %v", ErrInvalidSelector, key, err)
			}
			if key == "min_price" {
				sel.MinPrice = &f
			} else {
				sel.MaxPrice = &f
			}
		case "missing_description":
			b, err := strconv.ParseBool(values.Get(key))
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %s: %v", ErrInvalidSelector, key, err)
			}
			sel.MissingDescription = b
		case "orderby":
			sel.OrderBy = values.Get(key)
		case "order":
			sel.Order = values.Get(key)
		case "limit", "posts_per_page":
			n, err := strconv.Atoi(values.Get(key))
			if err != nil {
				return Selector{}, fmt.Errorf("%w: %s: %v", ErrInvalidSelector, key, err)
			}
			sel.Limit = n
		default:
			return Selector{}, fmt.Errorf("%w: unknown parameter %q", ErrInvalidSelector, key)
		}
	}
	return sel, nil
}

func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func parseIDs(parts []string) ([]int64, error) {
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: product id %q", ErrInvalidSelector, p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Selector) normalize() {
	if len(s.Status) == 0 {
		s.Status = []string{"publish"}
	}
	for i := range s.Status {
		s.Status[i] = strings.ToLower(strings.TrimSpace(s.Status[i]))
	}
	s.OrderBy = strings.ToLower(strings.TrimSpace(s.OrderBy))
	if s.OrderBy == "" {
		s.OrderBy = "date"
	}
	s.Order = strings.ToUpper(strings.TrimSpace(s.Order))
	if s.Order == "" {
		s.Order = "DESC"
	}
	s.Search = strings.TrimSpace(s.Search)
	s.SKUPrefix = strings.TrimSpace(s.SKUPrefix)
	if s.Limit < 0 {
		s.Limit = 0
	}
}

// Validate checks field ranges and enumerations.
func (s Selector) Validate() error {
	for _, st := range s.Status {
		if !slices.Contains(validStatus, st) {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidSelector, st)
		}
	}
	if !slices.Contains(validOrderBy, s.OrderBy) {
		return fmt.Errorf("%w: unsupported orderby %q", ErrInvalidSelector, s.OrderBy)
	}
	if s.Order != "ASC" && s.Order != "DESC" {
		return fmt.Errorf("%w: order must be ASC or DESC", ErrInvalidSelector)
	}
	if s.MinPrice != nil && *s.MinPrice < 0 {
		return fmt.Errorf("%w: min_price must be >= 0", ErrInvalidSelector)
	}
	if s.MinPrice != nil && s.MaxPrice != nil && *s.MaxPrice < *s.MinPrice {
		return fmt.Errorf("%w: max_price below min_price", ErrInvalidSelector)
	}
	return nil
}

// String renders the selector as canonical JSON.
func (s Selector) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}
