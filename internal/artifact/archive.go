package artifact

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"cellflow/internal/config"
)

// Mirror receives a copy of every artifact after it is written locally.
type Mirror interface {
	// Upload copies the local file to key, which is relative to the store root.
	Upload(ctx context.Context, key, localPath string) error
}

// S3Mirror uploads artifacts to an S3 compatible bucket (AWS or MinIO).
type S3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror builds a mirror from the archive config, using the default AWS
// credential chain.
func NewS3Mirror(ctx context.Context, cfg config.S3Archive) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3Mirror(awsCfg, cfg, nil), nil
}

func newS3Mirror(awsCfg aws.Config, cfg config.S3Archive, httpClient s3.HTTPClient) *S3Mirror {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})
	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Key returns the object key for a store-relative path.
func (m *S3Mirror) Key(rel string) string {
	return path.Join(m.prefix, filepath.ToSlash(rel))
}

func (m *S3Mirror) Upload(ctx context.Context, rel, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := m.Key(rel)
	input := &s3.PutObjectInput{Bucket: &m.bucket, Key: &key, Body: f}
	if ct := contentType(localPath); ct != "" {
		input.ContentType = &ct
	}
	if _, err := m.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}
	return nil
}

func contentType(p string) string {
	switch filepath.Ext(p) {
	case ".npy":
		return "application/octet-stream"
	case ".json":
		return "application/json"
	}
	return mime.TypeByExtension(filepath.Ext(p))
}
