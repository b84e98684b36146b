// Package archive ships finished run receipts to object storage.
//
// Receipts are written as RFC 8785 canonical JSON under
// <prefix><repository>/<surface>/<run id>.json. Objects are written once;
// an existing object is left untouched.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// Kind selects an archive backend.
type Kind string

const (
	KindNone Kind = "none"
	KindS3   Kind = "s3"
	KindGCS  Kind = "gcs"
)

// Sink archives receipts.
type Sink interface {
	// Archive writes r and returns the object key.
	Archive(ctx context.Context, r *contracts.RunReceipt) (string, error)
	Close() error
}

// Config selects and configures a sink.
type Config struct {
	Kind     Kind   `yaml:"kind" json:"kind"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // S3-compatible endpoint (MinIO, LocalStack)
}

// New builds the sink named by cfg.Kind. KindNone and "" return a nil Sink.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for s3")
		}
		return NewS3Sink(ctx, cfg)
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: bucket is required for gcs")
		}
		return NewGCSSink(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}

// ObjectKey is the storage key of r under prefix.
func ObjectKey(prefix string, r *contracts.RunReceipt) string {
	return prefix + r.Repository + "/" + strconv.Itoa(r.SurfaceID) + "/" + r.RunID + ".json"
}

func encode(r *contracts.RunReceipt) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return out, nil
}
