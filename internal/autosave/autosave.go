// Package autosave writes generated text back into the product catalog.
package autosave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"product-data-generator/internal/logging"
	"product-data-generator/internal/models"
)

// Writer is the subset of the catalog store auto-save writes through.
type Writer interface {
	UpdateDescription(ctx context.Context, productID int64, text string) error
	UpdateShortDescription(ctx context.Context, productID int64, text string) error
	UpdateSEO(ctx context.Context, productID int64, seo models.SEO) error
}

// Saver maps generated text to product fields by task id.
type Saver struct {
	writer Writer
	log    *slog.Logger
}

// New builds a saver. A nil logger discards output.
func New(writer Writer, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Saver{writer: writer, log: logger.With(logging.FieldComponent, "autosave")}
}

// Handle is a generation listener. Failures are logged and never propagate.
func (s *Saver) Handle(ctx context.Context, ev models.GeneratedContent) {
	log := logging.WithContext(ctx, s.log).With(logging.FieldProductID, ev.ProductID, logging.FieldTaskID, ev.TaskID)
	if err := s.Save(ctx, ev); err != nil {
		log.Warn("auto-save failed", "error", err)
		return
	}
	log.Debug("auto-saved generated text")
}

// Save writes ev into the matching product field. Unknown tasks are ignored.
func (s *Saver) Save(ctx context.Context, ev models.GeneratedContent) error {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return fmt.Errorf("empty text for %s", ev.TaskID)
	}
	switch ev.TaskID {
	case "product_description":
		return s.writer.UpdateDescription(ctx, ev.ProductID, text)
	case "product_short_description":
		return s.writer.UpdateShortDescription(ctx, ev.ProductID, text)
	case "product_seo":
		seo, err := ParseSEO(text)
		if err != nil {
			return err
		}
		return s.writer.UpdateSEO(ctx, ev.ProductID, seo)
	default:
		return nil
	}
}

// ParseSEO decodes the JSON object the SEO template asks for. Models often
// wrap it in a fenced code block, which is stripped first.
func ParseSEO(text string) (models.SEO, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return models.SEO{}, fmt.Errorf("seo response is not a JSON object")
	}
	var seo models.SEO
	if err := json.Unmarshal([]byte(text[start:end+1]), &seo); err != nil {
		return models.SEO{}, fmt.Errorf("decode seo response: %w", err)
	}
	if seo == (models.SEO{}) {
		return seo, fmt.Errorf("seo response has no fields")
	}
	return seo, nil
}
