// Package s3 implements blob.Store on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/MrCodeEU/faceenroll/pkg/blob"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader is the part of manager.Uploader the store uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Store uploads photos to a bucket below a prefix.
type Store struct {
	uploader Uploader
	bucket   string
	prefix   string
}

// New loads the default AWS configuration for region and builds a store.
func New(ctx context.Context, region, bucket, prefix string) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewStore creates a store using a multipart uploader on client.
func NewStore(client *s3.Client, bucket, prefix string) *Store {
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
		u.Concurrency = 2
	})
	return NewStoreWithUploader(uploader, bucket, prefix)
}

// NewStoreWithUploader creates a store on an existing uploader.
func NewStoreWithUploader(uploader Uploader, bucket, prefix string) *Store {
	return &Store{uploader: uploader, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads data and returns the object location reported by S3.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", blob.ErrEmpty
	}
	name, err := blob.CleanKey(key)
	if err != nil {
		return "", err
	}
	objectKey := s.key(name)

	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	if out.Location != "" {
		return out.Location, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}
