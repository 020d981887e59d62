package recovery

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
)

// maxObjectSize bounds the state object read from S3.
const maxObjectSize = 64 << 10

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps state in a single S3 object.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := recovery.NewS3Store(s3.NewFromConfig(cfg), "my-bucket", "realtime/state.cbor")
type S3Store struct {
	client S3API
	bucket string
	key    string
}

// NewS3Store returns a store for s3://bucket/key.
func NewS3Store(client S3API, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// NewS3StoreFromEnv builds the S3 client from the default AWS
// configuration chain (environment, shared config, instance role).
func NewS3StoreFromEnv(ctx context.Context, bucket, key string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery: aws config: %w", err)
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, key), nil
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context) (*State, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("recovery: s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("recovery: s3 read: %w", err)
	}
	if len(data) > maxObjectSize {
		return nil, fmt.Errorf("recovery: s3 object larger than %d bytes", maxObjectSize)
	}
	return Unmarshal(data)
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, st *State) error {
	data, err := Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/cbor"),
	})
	if err != nil {
		return fmt.Errorf("recovery: s3 put: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *S3Store) Clear(ctx context.Context) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return fmt.Errorf("recovery: s3 delete: %w", err)
	}
	return nil
}
