// Package artifact copies migration outputs to an S3-compatible bucket so a
// run's NDJSON and validated batch survive the work directory.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config selects the destination bucket. An empty Bucket disables uploads.
type Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // optional, for MinIO and friends
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// Enabled reports whether uploads are configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Uploader puts files into a single bucket under a key prefix. A nil
// *Uploader accepts every call and does nothing.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// New returns an uploader for cfg, or nil when cfg has no bucket.
// Credentials come from the default AWS chain.
func New(ctx context.Context, cfg Config) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newUploader(client, cfg), nil
}

func newUploader(client *s3.Client, cfg Config) *Uploader {
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Key returns the object key a file is stored under.
func (u *Uploader) Key(file string) string {
	name := filepath.Base(file)
	if u == nil || u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload stores file and returns its key. Returns "" without error on a
// nil uploader.
func (u *Uploader) Upload(ctx context.Context, file string) (string, error) {
	if u == nil {
		return "", nil
	}

	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := u.Key(file)
	contentType := "application/json"
	if strings.HasSuffix(file, ".ndjson") {
		contentType = "application/x-ndjson"
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to s3://%s/%s: %w", file, u.bucket, key, err)
	}

	slog.Info("uploaded artifact", "file", file, "bucket", u.bucket, "key", key)
	return key, nil
}

// UploadAll uploads each file in order and stops at the first failure.
func (u *Uploader) UploadAll(ctx context.Context, files ...string) error {
	for _, f := range files {
		if _, err := u.Upload(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
