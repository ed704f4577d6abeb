package selector

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	sel, err := Parse(`{"categories":["books"],"tags":["sale"],"min_price":5,"orderby":"id","order":"asc","limit":20}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"books"}, sel.Categories)
	assert.Equal(t, []string{"publish"}, sel.Status)
	assert.Equal(t, "id", sel.OrderBy)
	assert.Equal(t, "ASC", sel.Order)
	require.NotNil(t, sel.MinPrice)
	assert.Equal(t, 5.0, *sel.MinPrice)
	assert.Equal(t, 20, sel.Limit)
}

func TestParseQueryString(t *testing.T) {
	sel, err := Parse("product_cat=shoes,boots&status=publish,draft&exclude=3&missing_description=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"shoes", "boots"}, sel.Categories)
	assert.Equal(t, []string{"publish", "draft"}, sel.Status)
	assert.Equal(t, []int64{3}, sel.ExcludeIDs)
	assert.True(t, sel.MissingDescription)
	assert.Equal(t, "date", sel.OrderBy)
	assert.Equal(t, "DESC", sel.Order)
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "   ",
		"array":          `["post_type" => "product"]`,
		"json array":     `[1,2,3]`,
		"json string":    `"publish"`,
		"unknown field":  `{"post_type":"product"}`,
		"unknown param":  "meta_query=evil",
		"bad id":         "ids=1,abc",
		"bad order":      `{"order":"sideways"}`,
		"bad orderby":    `{"orderby":"rand()"}`,
		"inverted price": `{"min_price":10,"max_price":2}`,
		"code":           `array('post_type' => 'product', 'posts_per_page' => -1)`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSelector), "got %v", err)
		})
	}
}

func TestSQLBuildsParameterisedQuery(t *testing.T) {
	min := 10.0
	sel := Selector{
		Status:     []string{"publish"},
		Categories: []string{"books"},
		SKUPrefix:  "AB_",
		Search:     "100%",
		MinPrice:   &min,
		OrderBy:    "name",
		Order:      "ASC",
		Limit:      50,
	}
	query, args := sel.SQL()

	assert.True(t, strings.HasPrefix(query, "SELECT id FROM products WHERE status = ANY($1)"), query)
	assert.Contains(t, query, "categories && $2")
	assert.Contains(t, query, "sku LIKE $3")
	assert.Contains(t, query, "(name ILIKE $4 OR description ILIKE $4)")
	assert.Contains(t, query, "price >= $5")
	assert.Contains(t, query, "ORDER BY name ASC, id ASC LIMIT $6")
	require.Len(t, args, 6)
	assert.Equal(t, `AB\_%`, args[2])
	assert.Equal(t, `%100\%%`, args[3])
	assert.Equal(t, 50, args[5])
}

func TestSQLAnyStatusSkipsFilter(t *testing.T) {
	sel, err := Parse(`{"status":["any"]}`)
	require.NoError(t, err)
	query, args := sel.SQL()
	assert.Equal(t, "SELECT id FROM products ORDER BY created_at DESC, id DESC", query)
	assert.Empty(t, args)
}
