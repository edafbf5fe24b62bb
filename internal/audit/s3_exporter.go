package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Exporter pushes a checkpoint artifact outside the chain store's trust
// boundary and returns the destination reference recorded on the checkpoint.
type Exporter interface {
	ExportCheckpoint(ctx context.Context, c *Checkpoint, artifact []byte) (destination string, err error)
}

// S3Exporter writes checkpoint export artifacts to object storage at:
//
//	s3://<bucket>/<prefix>/checkpoints/<chainID>/<sequence>.json
//
// The bucket is expected to live in a separate trust domain from the chain
// store (different account, object lock or versioning enabled), so an
// operator who can rewrite the live store cannot retroactively alter
// exported roots.
type S3Exporter struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Exporter creates an S3Exporter. Region and credentials are resolved
// from the environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID etc.).
// The prefix may be empty.
func NewS3Exporter(ctx context.Context, bucket string, prefix string) (*S3Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Exporter{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ExportCheckpoint uploads the artifact and returns its s3:// destination.
func (e *S3Exporter) ExportCheckpoint(ctx context.Context, c *Checkpoint, artifact []byte) (string, error) {
	if c == nil {
		return "", fmt.Errorf("nil checkpoint")
	}
	objectKey := path.Join(e.prefix, "checkpoints", c.ChainID, fmt.Sprintf("%020d.json", c.Sequence))

	upParams := &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(artifact),
		ContentType: aws.String("application/json"),
		// Server-side encryption with S3-managed keys (SSE-S3).
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if _, err := e.uploader.Upload(ctx, upParams); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + e.bucket + "/" + objectKey, nil
}

// exportTimeout bounds a single export attempt so a stalled upload cannot
// wedge the checkpoint loop.
const exportTimeout = 30 * time.Second
