// Package archive uploads the operation batch of each run to S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	json "github.com/json-iterator/go"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
)

// ObjectStore is the subset of *minio.Client used here.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Record is the archived form of one run.
type Record struct {
	RunID      string                 `json:"runId"`
	Scope      schemas.Scope          `json:"scope"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
	DryRun     bool                   `json:"dryRun"`
	Skipped    map[string]int         `json:"skipped,omitempty"`
	Failures   []string               `json:"failures,omitempty"`
	Batch      schemas.OperationBatch `json:"batch"`
}

// Key returns the object name of the record.
func (r Record) Key() string {
	return fmt.Sprintf("runs/%s/%s/%s-%s.json",
		r.Scope.AccountID, r.Scope.IntegrationInstanceID,
		r.StartedAt.UTC().Format("20060102T150405Z"), r.RunID)
}

// Archiver writes run records to one bucket.
type Archiver struct {
	store  ObjectStore
	bucket string
	logger *zap.Logger
}

// NewMinioStore connects to an S3-compatible endpoint with static credentials.
func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return mc, nil
}

// New creates an archiver for bucket.
func New(store ObjectStore, bucket string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("archive: object store is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, bucket: bucket, logger: logger.Named("archive")}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("Created archive bucket.", zap.String("bucket", a.bucket))
	return nil
}

// Archive uploads rec and returns its object name.
func (a *Archiver) Archive(ctx context.Context, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode run record: %w", err)
	}
	key := rec.Key()
	info, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run record %s: %w", key, err)
	}
	a.logger.Info("Archived run.", zap.String("bucket", a.bucket), zap.String("key", key), zap.Int64("size", info.Size))
	return key, nil
}
