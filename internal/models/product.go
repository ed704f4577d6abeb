package models

import "time"

// Product is the catalog projection templates render from.
type Product struct {
	ID               int64               `json:"id"`
	Name             string              `json:"name"`
	SKU              string              `json:"sku"`
	Type             string              `json:"type"`
	Status           string              `json:"status"`
	Price            string              `json:"price"`
	RegularPrice     string              `json:"regular_price"`
	SalePrice        string              `json:"sale_price"`
	Description      string              `json:"description"`
	ShortDescription string              `json:"short_description"`
	Categories       []string            `json:"categories"`
	Tags             []string            `json:"tags"`
	Attributes       map[string][]string `json:"attributes"`
	Meta             map[string]string   `json:"meta"`
	SEO              SEO                 `json:"seo"`
	CreatedAt        time.Time           `json:"created_at"`
}

// SEO holds the search metadata fields a product carries.
type SEO struct {
	MetaTitle       string `json:"meta_title"`
	MetaDescription string `json:"meta_description"`
	FocusKeyword    string `json:"focus_keyword"`
}

// GeneratedContent is the notification fired after text was generated for a product.
// QueueID is empty for single-item generations.
type GeneratedContent struct {
	QueueID   string    `json:"queue_id,omitempty"`
	ProductID int64     `json:"product_id"`
	TaskID    string    `json:"task_id"`
	Text      string    `json:"text"`
	At        time.Time `json:"generated_at"`
}
