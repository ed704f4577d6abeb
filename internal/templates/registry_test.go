package templates

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"product-data-generator/internal/models"
)

func sampleProduct() models.Product {
	return models.Product{
		ID:          7,
		Name:        "Trail Runner",
		SKU:         "TR-7",
		Categories:  []string{"Shoes", "Outdoor"},
		Tags:        []string{"running"},
		Attributes:  map[string][]string{"pa_color": {"red", "blue"}},
		Description: "A light shoe.",
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	var ids []string
	for _, d := range reg.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"product_description", "product_seo", "product_short_description"}, ids)
}

func TestRenderDescription(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	p, err := reg.Render("product_description", sampleProduct(), map[string]string{"tone": "playful"})
	require.NoError(t, err)
	assert.Contains(t, p.System, "e-commerce copywriter")
	assert.Contains(t, p.User, "Product Name: Trail Runner")
	assert.Contains(t, p.User, "Categories: Shoes, Outdoor")
	assert.Contains(t, p.User, "- Color: red, blue")
	assert.Contains(t, p.User, "Current Description: A light shoe.")
	assert.Contains(t, p.User, "- Tone: playful")
}

func TestRenderShortDescriptionWordLimit(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	p, err := reg.Render("product_short_description", sampleProduct(), nil)
	require.NoError(t, err)
	assert.Contains(t, p.User, "no more than 50 words")

	p, err = reg.Render("product_short_description", sampleProduct(), map[string]string{"word_limit": "25"})
	require.NoError(t, err)
	assert.Contains(t, p.User, "no more than 25 words")
}

func TestRenderSEOKeywordFallsBackToProduct(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	prod := sampleProduct()
	prod.SEO.FocusKeyword = "trail shoes"
	p, err := reg.Render("product_seo", prod, nil)
	require.NoError(t, err)
	assert.Contains(t, p.User, "Primary Keyword: trail shoes")
	assert.Contains(t, p.System, `"meta_title"`)
}

func TestRenderUnknownTemplate(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	_, err = reg.Render("product_haiku", sampleProduct(), nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "desc.yaml"), []byte(`
id: product_description
name: Custom
user: "Describe {{.Product.Name}}"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	reg, err := NewRegistry()
	require.NoError(t, err)
	ids, err := reg.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"product_description"}, ids)

	p, err := reg.Render("product_description", sampleProduct(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Describe Trail Runner", p.User)
	assert.Empty(t, p.System)
}

func TestRegisterRejectsBrokenTemplate(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)

	assert.Error(t, reg.Register(Definition{ID: "x", User: "{{.Product.Name"}))
	assert.Error(t, reg.Register(Definition{ID: "", User: "hi"}))
	assert.Error(t, reg.Register(Definition{ID: "y"}))
	assert.False(t, reg.Has("x"))
}

func TestWatchRestoresBuiltinOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "desc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: product_description\nuser: override\n"), 0o644))

	reg, err := NewRegistry()
	require.NoError(t, err)
	_, err = reg.LoadDir(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx, dir, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		p, err := reg.Render("product_description", sampleProduct(), nil)
		return err == nil && p.User != "override"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
