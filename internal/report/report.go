// Package report writes the completion summary of a bulk queue to a local
// directory or an S3 bucket.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"product-data-generator/internal/config"
	"product-data-generator/internal/models"
)

// Report is the document written once a queue completes.
type Report struct {
	Queue       models.Queue        `json:"queue"`
	Results     []models.ItemResult `json:"results"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Build assembles a report with results in product, task order.
func Build(q models.Queue, results map[string]models.ItemResult, at time.Time) Report {
	out := make([]models.ItemResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].TaskID < out[j].TaskID
	})
	return Report{Queue: q, Results: out, GeneratedAt: at.UTC()}
}

// Key is the object name a report is stored under.
func (r Report) Key() string {
	return fmt.Sprintf("queues/%s/report-%s.json", r.Queue.ID, r.GeneratedAt.UTC().Format("20060102T150405Z"))
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher stores reports and returns where each one landed.
type Publisher struct {
	dest uploader
}

// New picks S3 when a bucket is configured, otherwise the local report directory.
func New(ctx context.Context, cfg config.Config) (*Publisher, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Publisher{dest: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}}, nil
	}
	return NewLocal(cfg.ReportDir), nil
}

// NewLocal writes reports below dir.
func NewLocal(dir string) *Publisher {
	if dir == "" {
		dir = "./reports"
	}
	return &Publisher{dest: &localUploader{baseDir: dir}}
}

// Publish encodes and stores r.
func (p *Publisher) Publish(ctx context.Context, r Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	location, err := p.dest.Upload(ctx, sanitizeKey(r.Key()), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return location, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
