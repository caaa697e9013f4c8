// Package storage keeps copies of signed fiscal documents in object storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/config"
)

const documentContentType = "application/xml"

var _ fiscal.DocumentArchive = (*S3DocumentArchive)(nil)

// S3DocumentArchive stores every submitted document in an S3 bucket.
// It works with any S3-compatible storage (AWS S3, MinIO, RustFS).
type S3DocumentArchive struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// S3DocumentArchiveOption is a functional option for configuring S3DocumentArchive
type S3DocumentArchiveOption func(*S3DocumentArchive)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) S3DocumentArchiveOption {
	return func(s *S3DocumentArchive) {
		s.logger = logger
	}
}

// NewS3DocumentArchive creates an archive from configuration. Without static
// keys the default AWS credential chain is used.
func NewS3DocumentArchive(cfg *config.ArchiveConfig, opts ...S3DocumentArchiveOption) (*S3DocumentArchive, error) {
	if cfg == nil {
		return nil, errors.New("archive configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, errors.New("archive access key id and secret access key must be set together")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	var endpoint string
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid archive endpoint: %w", err)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	archive := &S3DocumentArchive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(archive)
	}
	return archive, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *S3DocumentArchive) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	s.logger.Info("Creating archive bucket", zap.String("bucket", s.bucket))
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Archive uploads the batch's signed document, or its unsigned document when
// no signature was applied.
func (s *S3DocumentArchive) Archive(ctx context.Context, batch *fiscal.Batch) error {
	body := batch.SignedDocument
	if len(body) == 0 {
		body = batch.Document
	}
	if len(body) == 0 {
		return fmt.Errorf("archive batch %s: document is empty", batch.ID)
	}

	key := ObjectKey(s.prefix, batch)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(documentContentType),
		Metadata:    objectMetadata(batch),
	})
	if err != nil {
		return fmt.Errorf("archive batch %s: %w", batch.ID, err)
	}

	s.logger.Debug("Archived fiscal document",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.String("entity_id", batch.EntityID),
		zap.Int("size", len(body)))
	return nil
}

// Fetch downloads an archived document
func (s *S3DocumentArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("object key is required")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Bucket returns the bucket name
func (s *S3DocumentArchive) Bucket() string {
	return s.bucket
}

// ObjectKey lays documents out by entity and creation date:
// <prefix>/<entity>/<yyyy>/<mm>/<dd>/<batch id>.xml
func ObjectKey(prefix string, batch *fiscal.Batch) string {
	created := batch.CreatedAt.UTC()
	return path.Join(
		prefix,
		batch.EntityID,
		created.Format("2006"),
		created.Format("01"),
		created.Format("02"),
		batch.ID.String()+".xml",
	)
}

func objectMetadata(batch *fiscal.Batch) map[string]string {
	meta := map[string]string{
		"entity-id": batch.EntityID,
		"records":   strconv.Itoa(len(batch.Submissions)),
	}
	if batch.TrackingReference != "" {
		meta["tracking-reference"] = batch.TrackingReference
	}
	if n := len(batch.Submissions); n > 0 {
		meta["first-sequence"] = strconv.FormatInt(batch.Submissions[0].Sequence, 10)
		meta["last-sequence"] = strconv.FormatInt(batch.Submissions[n-1].Sequence, 10)
		meta["head-hash"] = batch.Submissions[n-1].Hash
	}
	return meta
}
