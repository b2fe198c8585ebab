// Package reports exports diagnostic reports to object storage so batch
// triage results can be shared after the CLI exits.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/doisync/internal/config"
	"github.com/dharsanguruparan/doisync/internal/diagnostics"
)

// Store wraps MinIO/S3 interactions for report exports.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{client: client, bucket: cfg.ReportBucket, region: cfg.S3Region}, nil
}

// EnsureBucket creates the report bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Export uploads reports as one JSON document and returns its object key.
func (s *Store) Export(ctx context.Context, kind string, at time.Time, reports []*diagnostics.Report) (string, error) {
	data, err := Encode(kind, at, reports)
	if err != nil {
		return "", err
	}
	key := ObjectKey(kind, at)
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}
	return key, nil
}

// Presign returns a signed GET URL for an exported report.
func (s *Store) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign report %s: %w", key, err)
	}
	return u.String(), nil
}

// Document is the JSON written to the bucket.
type Document struct {
	Kind      string                `json:"kind"`
	Generated time.Time             `json:"generated"`
	Total     int                   `json:"total"`
	Diverged  int                   `json:"diverged"`
	Reports   []*diagnostics.Report `json:"reports"`
}

// Encode renders reports as an indented Document.
func Encode(kind string, at time.Time, reports []*diagnostics.Report) ([]byte, error) {
	doc := Document{Kind: kind, Generated: at.UTC(), Total: len(reports), Reports: reports}
	for _, r := range reports {
		if r.Diverged() {
			doc.Diverged++
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}

// ObjectKey names an export, e.g. failed/20240501T120000Z.json.
func ObjectKey(kind string, at time.Time) string {
	return fmt.Sprintf("%s/%s.json", kind, at.UTC().Format("20060102T150405Z"))
}
