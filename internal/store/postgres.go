package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"product-data-generator/internal/models"
	"product-data-generator/internal/selector"
)

// ErrProductNotFound is returned when a product id does not exist.
var ErrProductNotFound = errors.New("product not found")

// Store wraps pgxpool for Postgres persistence of the catalog, generation
// records and the audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ResolveSelector returns matching product ids in selector order.
func (s *Store) ResolveSelector(ctx context.Context, sel selector.Selector) ([]int64, error) {
	query, args := sel.SQL()
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve selector: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan product ids: %w", err)
	}
	return ids, nil
}

// ProductNames maps ids to product names; unknown ids are absent.
func (s *Store) ProductNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, name FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query product names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan product name: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

const productColumns = `
	id, name, sku, type, status,
	COALESCE(price::text, ''), COALESCE(regular_price::text, ''), COALESCE(sale_price::text, ''),
	description, short_description, categories, tags, attributes, meta,
	seo_meta_title, seo_meta_description, seo_focus_keyword, created_at`

// GetProduct loads the product projection templates render from.
func (s *Store) GetProduct(ctx context.Context, id int64) (models.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)

	var (
		p          models.Product
		attributes []byte
		meta       []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.SKU, &p.Type, &p.Status,
		&p.Price, &p.RegularPrice, &p.SalePrice,
		&p.Description, &p.ShortDescription, &p.Categories, &p.Tags, &attributes, &meta,
		&p.SEO.MetaTitle, &p.SEO.MetaDescription, &p.SEO.FocusKeyword, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	if err != nil {
		return models.Product{}, fmt.Errorf("scan product: %w", err)
	}
	if err := json.Unmarshal(attributes, &p.Attributes); err != nil {
		return models.Product{}, fmt.Errorf("unmarshal attributes: %w", err)
	}
	if err := json.Unmarshal(meta, &p.Meta); err != nil {
		return models.Product{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return p, nil
}

// LastGenerated returns per product, per task last-generated timestamps.
func (s *Store) LastGenerated(ctx context.Context, productIDs []int64) (map[int64]map[string]time.Time, error) {
	out := make(map[int64]map[string]time.Time)
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, task_id, generated_at
		FROM product_generations
		WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, fmt.Errorf("query generation records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			productID int64
			taskID    string
			at        pgtype.Timestamptz
		)
		if err := rows.Scan(&productID, &taskID, &at); err != nil {
			return nil, fmt.Errorf("scan generation record: %w", err)
		}
		if out[productID] == nil {
			out[productID] = make(map[string]time.Time)
		}
		out[productID][taskID] = at.Time
	}
	return out, rows.Err()
}

// MarkGenerated upserts the Generation Record for (productID, taskID).
func (s *Store) MarkGenerated(ctx context.Context, productID int64, taskID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO product_generations (product_id, task_id, generated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, task_id) DO UPDATE SET generated_at = EXCLUDED.generated_at
	`, productID, taskID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark generated: %w", err)
	}
	return nil
}

// UpdateDescription overwrites the long description.
func (s *Store) UpdateDescription(ctx context.Context, productID int64, text string) error {
	return s.updateProduct(ctx, `UPDATE products SET description = $2, updated_at = NOW() WHERE id = $1`, productID, text)
}

// UpdateShortDescription overwrites the short description.
func (s *Store) UpdateShortDescription(ctx context.Context, productID int64, text string) error {
	return s.updateProduct(ctx, `UPDATE products SET short_description = $2, updated_at = NOW() WHERE id = $1`, productID, text)
}

// UpdateSEO writes non-empty SEO fields; empty ones keep their stored value.
func (s *Store) UpdateSEO(ctx context.Context, productID int64, seo models.SEO) error {
	return s.updateProduct(ctx, `
		UPDATE products SET
			seo_meta_title = COALESCE(NULLIF($2, ''), seo_meta_title),
			seo_meta_description = COALESCE(NULLIF($3, ''), seo_meta_description),
			seo_focus_keyword = COALESCE(NULLIF($4, ''), seo_focus_keyword),
			updated_at = NOW()
		WHERE id = $1
	`, productID, seo.MetaTitle, seo.MetaDescription, seo.FocusKeyword)
}

func (s *Store) updateProduct(ctx context.Context, sql string, productID int64, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, append([]any{productID}, args...)...)
	if err != nil {
		return fmt.Errorf("update product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (queue_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, entry.QueueID, entry.Event, entry.Detail)
	return err
}

// ListAudit returns the most recent audit rows for a queue, newest first.
func (s *Store) ListAudit(ctx context.Context, queueID string, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT queue_id, event, detail, ts FROM audit_logs
		WHERE queue_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var l models.AuditLog
		err := row.Scan(&l.QueueID, &l.Event, &l.Detail, &l.Recorded)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit logs: %w", err)
	}
	return logs, nil
}
