// Package s3 stores chunks as objects in an S3 bucket, one object per chunk.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/pkgload/internal/logger"
	"github.com/marmos91/pkgload/internal/telemetry"
	"github.com/marmos91/pkgload/pkg/chunk"
	"github.com/marmos91/pkgload/pkg/chunkstore"
)

// Config holds configuration for the S3 chunk store.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to every chunk key, e.g. "chunks/".
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the SDK default credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// Metrics receives per-operation timings. Optional.
	Metrics Metrics
}

// Metrics observes S3 calls. A nil Metrics disables collection.
type Metrics interface {
	// ObserveOperation records one S3 API call, e.g. "GetObject".
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes records bytes moved by "read" or "write".
	RecordBytes(operation string, bytes int64)
}

// Store is an S3-backed chunkstore.WritableStore.
type Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
	metrics   Metrics

	mu     sync.RWMutex
	closed bool
}

var _ chunkstore.WritableStore = (*Store)(nil)

// New creates a store over an existing client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		metrics:   cfg.Metrics,
	}
}

// NewFromConfig builds the S3 client from cfg and returns a store using it.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 chunk store requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg), nil
}

// Name returns "s3:<bucket>".
func (s *Store) Name() string {
	return "s3:" + s.bucket
}

func (s *Store) key(id chunk.ID) string {
	return s.keyPrefix + id.String()
}

func (s *Store) observe(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, time.Since(start), err)
	}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chunkstore.ErrStoreClosed
	}
	return nil
}

// Put uploads a chunk.
func (s *Store) Put(ctx context.Context, id chunk.ID, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(data),
	})
	s.observe("PutObject", start, err)
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordBytes("write", int64(len(data)))
	}
	return nil
}

// Delete removes a chunk object.
func (s *Store) Delete(ctx context.Context, id chunk.ID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	s.observe("DeleteObject", start, err)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("s3 delete object: %w", err)
	}
	return nil
}

// Exists issues a HeadObject for the chunk.
func (s *Store) Exists(ctx context.Context, id chunk.ID) (bool, error) {
	_, err := s.Size(ctx, id)
	if errors.Is(err, chunkstore.ErrChunkNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the object content length.
func (s *Store) Size(ctx context.Context, id chunk.ID) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := telemetry.StartChunkSpan(ctx, telemetry.SpanChunkStat, s.Name(),
		telemetry.Bucket(s.bucket), telemetry.StorageKey(s.key(id)))
	defer span.End()

	start := time.Now()
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	s.observe("HeadObject", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return 0, chunkstore.ErrChunkNotFound
		}
		telemetry.RecordError(ctx, err)
		return 0, fmt.Errorf("s3 head object: %w", err)
	}
	return uint64(aws.ToInt64(head.ContentLength)), nil
}

// Read fetches a byte range with an HTTP Range request. The object size is
// looked up first so that clamping matches the other stores.
func (s *Store) Read(ctx context.Context, id chunk.ID, offset, length uint64) ([]byte, error) {
	size, err := s.Size(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := chunkstore.ClampRange(size, offset, length)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}

	ctx, span := telemetry.StartChunkSpan(ctx, telemetry.SpanChunkRead, s.Name(),
		telemetry.Bucket(s.bucket), telemetry.StorageKey(s.key(id)),
		telemetry.Offset(offset), telemetry.Size(n))
	defer span.End()

	start := time.Now()
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+n-1)),
	})
	s.observe("GetObject", start, err)
	if err != nil {
		if isNotFoundError(err) {
			return nil, chunkstore.ErrChunkNotFound
		}
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("s3 get object range: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	if uint64(len(data)) != n {
		logger.Warn("s3 short range read",
			logger.KeyBucket, s.bucket, logger.KeyChunkID, id.String(),
			logger.KeySize, len(data), "want", n)
		return nil, fmt.Errorf("%w: got %d of %d bytes", chunkstore.ErrCorrupt, len(data), n)
	}
	if s.metrics != nil {
		s.metrics.RecordBytes("read", int64(len(data)))
	}
	return data, nil
}

// List pages through every object under the key prefix. Keys that do not
// parse as chunk ids are skipped.
func (s *Store) List(ctx context.Context) ([]chunk.ID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})

	var ids []chunk.ID
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix)
			id, err := chunk.Parse(name)
			if err != nil {
				logger.Debug("skipping foreign s3 object", logger.KeyBucket, s.bucket, "key", name)
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids, nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck performs a HeadBucket call to check connectivity and permissions.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
