// Package blobstore provides S3-backed storage for published distribution
// binaries (compiled WASM modules and container image references),
// adapted from flowjs-works/engine/internal/activities/s3.go's
// buildS3Client/s3Get/s3Put pattern.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store reads and writes distribution binaries to a single S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from the default AWS credential chain (env vars,
// shared config, IAM role), mirroring buildS3Client's use of
// config.LoadDefaultConfig.
func New(ctx context.Context, bucket, region string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("blobstore: load AWS config: %w", err)
	}
	return &Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// key layout mirrors the registry's artifact endpoint path (§6.2):
// artifacts/{namespace}/{name}/{version}/{filename}
func key(namespace, name, version, filename string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s/%s", namespace, name, version, filename)
}

// Get fetches a distribution binary's full contents.
func (s *Store) Get(ctx context.Context, namespace, name, version, filename string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, name, version, filename)),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s/%s:%s/%s: %w", namespace, name, version, filename, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read body for %s/%s:%s/%s: %w", namespace, name, version, filename, err)
	}
	return data, nil
}

// Put uploads a distribution binary's contents.
func (s *Store) Put(ctx context.Context, namespace, name, version, filename string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(namespace, name, version, filename)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s/%s:%s/%s: %w", namespace, name, version, filename, err)
	}
	return nil
}
