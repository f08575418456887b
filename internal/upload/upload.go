// Package upload publishes finished videos to S3-compatible object storage.
package upload

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const contentTypeAVI = "video/x-msvideo"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type Publisher struct {
	client *miniogo.Client
	bucket string
}

func New(cfg Config) (*Publisher, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload: bucket name is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Publisher{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Publish uploads the file at filePath and returns its object key.
func (p *Publisher) Publish(ctx context.Context, sourceID, filePath string) (string, error) {
	key := ObjectKey(sourceID, filePath)
	_, err := p.client.FPutObject(ctx, p.bucket, key, filePath, miniogo.PutObjectOptions{
		ContentType: contentTypeAVI,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filePath, err)
	}
	return key, nil
}

// ObjectKey groups uploads by the short source ID: "<id[:12]>/<file name>".
func ObjectKey(sourceID, filePath string) string {
	prefix := sourceID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	name := filepath.Base(filePath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
