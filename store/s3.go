package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(p string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(p, "/")
	return bucket, strings.Trim(prefix, "/")
}

// NewS3Client builds an S3 client from the AWS default credential chain
// (env vars, shared config, IAM role) with the configured overrides.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(awsConfig, s3Opts...), nil
}

// s3API is the subset of *s3.Client the artifact store uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ArtifactStore serves artifacts from an S3 bucket.
type S3ArtifactStore struct {
	client s3API
	bucket string
	prefix string
}

// NewS3ArtifactStore creates a store over client. Keys are resolved under cfg.Prefix.
func NewS3ArtifactStore(client s3API, cfg S3Config) (*S3ArtifactStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Backend implements ArtifactStore.
func (s *S3ArtifactStore) Backend() string { return "s3" }

func (s *S3ArtifactStore) objectKey(key string) (string, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return clean, nil
	}
	return path.Join(s.prefix, clean), nil
}

// Stat implements ArtifactStore with HeadObject.
func (s *S3ArtifactStore) Stat(ctx context.Context, key string) (ArtifactInfo, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return ArtifactInfo{}, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	if err != nil {
		return ArtifactInfo{}, wrap(err, "stat", key)
	}
	info := ArtifactInfo{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: aws.ToString(out.ETag),
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

// Open implements ArtifactStore with a ranged GetObject.
func (s *S3ArtifactStore) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	}
	switch {
	case length >= 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	case offset > 0:
		in.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, wrap(err, "open", key)
	}
	return out.Body, nil
}

var _ ArtifactStore = (*S3ArtifactStore)(nil)
