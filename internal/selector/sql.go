package selector

import (
	"fmt"
	"slices"
	"strings"
)

var orderColumns = map[string]string{
	"date":  "created_at",
	"id":    "id",
	"name":  "name",
	"price": "price",
	"sku":   "sku",
}

// SQL compiles the selector into a query returning product ids in selector
// order, with positional pgx arguments.
func (s Selector) SQL() (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !slices.Contains(s.Status, "any") {
		where = append(where, "status = ANY("+arg(s.Status)+")")
	}
	if len(s.IDs) > 0 {
		where = append(where, "id = ANY("+arg(s.IDs)+")")
	}
	if len(s.ExcludeIDs) > 0 {
		where = append(where, "NOT (id = ANY("+arg(s.ExcludeIDs)+"))")
	}
	if len(s.Types) > 0 {
		where = append(where, "type = ANY("+arg(s.Types)+")")
	}
	if len(s.Categories) > 0 {
		where = append(where, "categories && "+arg(s.Categories))
	}
	if len(s.Tags) > 0 {
		where = append(where, "tags && "+arg(s.Tags))
	}
	if s.SKUPrefix != "" {
		where = append(where, "sku LIKE "+arg(escapeLike(s.SKUPrefix)+"%"))
	}
	if s.Search != "" {
		p := arg("%" + escapeLike(s.Search) + "%")
		where = append(where, "(name ILIKE "+p+" OR description ILIKE "+p+")")
	}
	if s.MinPrice != nil {
		where = append(where, "price >= "+arg(*s.MinPrice))
	}
	if s.MaxPrice != nil {
		where = append(where, "price <= "+arg(*s.MaxPrice))
	}
	if s.MissingDescription {
		where = append(where, "COALESCE(description, '') = ''")
	}

	var b strings.Builder
	b.WriteString("SELECT id FROM products")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	col := orderColumns[s.OrderBy]
	if col == "" {
		col = "created_at"
	}
	order := "DESC"
	if s.Order == "ASC" {
		order = "ASC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id %s", col, order, order)
	if s.Limit > 0 {
		b.WriteString(" LIMIT " + arg(s.Limit))
	}
	return b.String(), args
}

func escapeLike(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(v)
}
