package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// GCSBackend anchors batches as JSON objects in a Google Cloud Storage
// bucket. Credentials come from Application Default Credentials.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// GCSConfig holds GCSBackend settings.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBackend creates a GCS anchoring backend.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor: create GCS client: %w", err)
	}
	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  time.Now,
	}, nil
}

func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) Anchor(ctx context.Context, batch Batch) (contracts.AnchorReceipt, error) {
	path := b.prefix + batch.Key + ".json"
	location := fmt.Sprintf("gs://%s/%s", b.bucket, path)
	obj := b.client.Bucket(b.bucket).Object(path)

	// Idempotency check: an existing object is the original anchor.
	if _, err := obj.Attrs(ctx); err == nil {
		return b.receipt(batch, location), nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return contracts.AnchorReceipt{}, fmt.Errorf("anchor: marshal batch %s: %w", batch.Key, err)
	}

	// DoesNotExist precondition makes the create atomic under racing
	// anchor workers.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return contracts.AnchorReceipt{}, &contracts.DependencyError{Dependency: "gcs", Err: err}
	}
	if err := w.Close(); err != nil {
		// Precondition failure means another worker anchored first; the
		// batch is durable either way.
		if attrsErr := func() error { _, e := obj.Attrs(ctx); return e }(); attrsErr == nil {
			return b.receipt(batch, location), nil
		}
		return contracts.AnchorReceipt{}, &contracts.DependencyError{Dependency: "gcs", Err: err}
	}
	return b.receipt(batch, location), nil
}

func (b *GCSBackend) receipt(batch Batch, location string) contracts.AnchorReceipt {
	return contracts.AnchorReceipt{
		BatchKey:   batch.Key,
		MerkleRoot: batch.MerkleRoot,
		Backend:    b.Name(),
		EntryIDs:   append([]string(nil), batch.EntryIDs...),
		AnchoredAt: b.clock().UTC(),
		Location:   location,
	}
}

// Close releases the GCS client.
func (b *GCSBackend) Close() error { return b.client.Close() }
