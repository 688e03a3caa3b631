package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// S3Backend anchors batches as JSON objects in an S3 bucket, keyed by
// batch key. A batch already present in the bucket is never rewritten.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// S3Config holds S3Backend settings.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO and LocalStack
	Prefix   string // optional key prefix, e.g. "anchors/"
}

// NewS3Backend creates an S3 anchoring backend using the default AWS
// credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("anchor: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Backend{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  time.Now,
	}, nil
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(batch Batch) string {
	return b.prefix + batch.Key + ".json"
}

func (b *S3Backend) Anchor(ctx context.Context, batch Batch) (contracts.AnchorReceipt, error) {
	key := b.key(batch)
	location := fmt.Sprintf("s3://%s/%s", b.bucket, key)

	// Idempotency check: an existing object is the original anchor.
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return b.receipt(batch, location), nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return contracts.AnchorReceipt{}, fmt.Errorf("anchor: marshal batch %s: %w", batch.Key, err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return contracts.AnchorReceipt{}, &contracts.DependencyError{Dependency: "s3", Err: err}
	}
	return b.receipt(batch, location), nil
}

func (b *S3Backend) receipt(batch Batch, location string) contracts.AnchorReceipt {
	return contracts.AnchorReceipt{
		BatchKey:   batch.Key,
		MerkleRoot: batch.MerkleRoot,
		Backend:    b.Name(),
		EntryIDs:   append([]string(nil), batch.EntryIDs...),
		AnchoredAt: b.clock().UTC(),
		Location:   location,
	}
}
