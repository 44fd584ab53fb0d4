package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/ecomm-report-extractor/internal/domain"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store reads report artifacts from and writes results to S3.
type S3Store struct {
	client S3API
}

// NewS3Store loads AWS config for region, using the shared profile when set.
func NewS3Store(ctx context.Context, region, profile string) (*S3Store, error) {
	var cfg aws.Config
	var err error

	if profile != "" {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithSharedConfigProfile(profile),
		)
	} else {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewS3StoreWithClient(s3.NewFromConfig(cfg)), nil
}

func NewS3StoreWithClient(client S3API) *S3Store {
	return &S3Store{client: client}
}

// Put uploads data to bucket/key.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetObject reads at most limit bytes of bucket/key. A missing object is a
// corrupt artifact rather than a transient failure.
func (s *S3Store) GetObject(ctx context.Context, bucket, key string, limit int64) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, &domain.Error{
				Kind:    domain.KindCorruptArtifact,
				Message: fmt.Sprintf("s3://%s/%s does not exist", bucket, key),
				Err:     err,
			}
		}
		return nil, fmt.Errorf("getting s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	if out.ContentLength != nil && *out.ContentLength >= 0 && *out.ContentLength < limit && int64(len(data)) != *out.ContentLength {
		return nil, &domain.Error{
			Kind:    domain.KindCorruptArtifact,
			Message: fmt.Sprintf("truncated object s3://%s/%s: got %d of %d bytes", bucket, key, len(data), *out.ContentLength),
		}
	}
	return data, nil
}

// HeadBucket verifies the bucket exists and is accessible.
func (s *S3Store) HeadBucket(ctx context.Context, bucket string) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", bucket, err)
	}
	return nil
}
