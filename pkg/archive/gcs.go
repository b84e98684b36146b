package archive

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// GCSSink writes receipts to a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink uses application default credentials. opts are passed to the
// storage client.
func NewGCSSink(ctx context.Context, cfg Config, opts ...option.ClientOption) (*GCSSink, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive implements Sink.
func (s *GCSSink) Archive(ctx context.Context, r *contracts.RunReceipt) (string, error) {
	key := ObjectKey(s.prefix, r)
	obj := s.client.Bucket(s.bucket).Object(key)

	_, err := obj.Attrs(ctx)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("gcs attrs error: %w", err)
	}

	data, err := encode(r)
	if err != nil {
		return "", err
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.ChunkSize = 0 // single request upload
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return key, nil
}

// Close implements Sink.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
