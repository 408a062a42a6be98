package worm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"aegis-audit/internal/domain"
)

// Compile-time check: S3Store implements the write-once store contract.
var _ domain.WormStore = (*S3Store)(nil)

// S3Options configures the S3-compatible retention bucket.
type S3Options struct {
	KeyID    string
	Secret   string
	Endpoint string // host, https is assumed
	Region   string
	Bucket   string

	// Retention is the compliance-mode object lock window. The bucket must
	// have object lock enabled; the lock itself, not this client, is what
	// makes objects immutable.
	Retention time.Duration
}

// S3Store persists WORM objects in an S3-compatible bucket with
// compliance-mode object lock. Uses path-style addressing for
// S3-compatible providers.
type S3Store struct {
	client    *s3.Client
	bucket    string
	retention time.Duration
}

// NewS3Store creates an S3Store from static credentials.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.KeyID == "" || opts.Secret == "" || opts.Endpoint == "" || opts.Region == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("S3 WORM config is incomplete")
	}

	endpoint := fmt.Sprintf("https://%s", opts.Endpoint)

	client := s3.New(s3.Options{
		Region: opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			opts.KeyID, opts.Secret, "",
		),
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
	})

	return &S3Store{
		client:    client,
		bucket:    opts.Bucket,
		retention: opts.Retention,
	}, nil
}

// Put writes the object exactly once. If-None-Match refuses to overwrite an
// existing key even before the object lock engages.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	}
	if s.retention > 0 {
		retainUntil := time.Now().UTC().Add(s.retention)
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(retainUntil)
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		if strings.Contains(err.Error(), "PreconditionFailed") {
			return domain.ErrConflict("worm object %q already exists", key)
		}
		return domain.ErrUnavailable(err, "put worm object %q", key)
	}
	return nil
}

// Get reads one object back.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, domain.ErrNotFound("worm object %q not found", key)
		}
		return nil, domain.ErrUnavailable(err, "get worm object %q", key)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read worm object %q: %w", key, err)
	}
	return data, nil
}

// List returns up to limit keys under prefix.
func (s *S3Store) List(ctx context.Context, prefix string, limit int32) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(limit),
	})
	if err != nil {
		return nil, domain.ErrUnavailable(err, "list worm objects under %q", prefix)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, nil
}
