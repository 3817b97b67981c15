// Package s3 provides an Amazon S3-backed storage.Store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/asclepius/streamrelay/pkg/storage"
)

const defaultRegion = "us-east-1"

// API is the subset of the S3 client used by Store. *s3.Client satisfies it.
type API interface {
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *awss3.HeadBucketInput, optFns ...func(*awss3.Options)) (*awss3.HeadBucketOutput, error)
}

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithRegion sets the AWS region. Ignored when WithClient is used.
func WithRegion(region string) Option {
	return func(s *Store) {
		s.region = region
	}
}

// WithEndpoint points the client at an S3-compatible endpoint (e.g., MinIO)
// using path-style addressing. Ignored when WithClient is used.
func WithEndpoint(endpoint string) Option {
	return func(s *Store) {
		s.endpoint = endpoint
	}
}

// WithClient injects a preconfigured API client.
func WithClient(c API) Option {
	return func(s *Store) {
		s.client = c
	}
}

// Store writes objects into a single bucket.
type Store struct {
	bucket   string
	region   string
	endpoint string
	client   API
}

// New creates a Store for bucket. When no client is injected the default AWS
// credential chain is used.
func New(ctx context.Context, bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, errors.New("s3: bucket must not be empty")
	}
	s := &Store{bucket: bucket, region: defaultRegion}
	for _, o := range opts {
		o(s)
	}
	if s.client != nil {
		return s, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.region))
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	s.client = awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
			o.UsePathStyle = true
		}
	})
	return s, nil
}

// Put uploads body to key in the configured bucket.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (storage.Location, error) {
	key, err := storage.ValidateKey(key)
	if err != nil {
		return storage.Location{}, err
	}
	in := &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return storage.Location{}, fmt.Errorf("s3: put %s/%s: %w", s.bucket, key, err)
	}
	return storage.Location{Bucket: s.bucket, Key: key}, nil
}

// Check issues a HeadBucket request.
func (s *Store) Check(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
