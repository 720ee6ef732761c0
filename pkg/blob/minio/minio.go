// Package minio implements blob.Store for MinIO and S3-compatible storage.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"

	"github.com/MrCodeEU/faceenroll/pkg/blob"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Options configures the MinIO client.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Store uploads objects into one bucket below a prefix.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// New connects a client for the given endpoint.
func New(opts Options, bucket, prefix string) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewStore(client, bucket, prefix), nil
}

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads data and returns the object URL on the configured endpoint.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", blob.ErrEmpty
	}
	name, err := blob.CleanKey(key)
	if err != nil {
		return "", err
	}
	objectKey := s.key(name)

	_, err = s.client.PutObject(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		return "", fmt.Errorf("failed to upload %s (%s): %w", objectKey, errResp.Code, err)
	}

	return ObjectURL(s.client.EndpointURL(), s.bucket, objectKey), nil
}

// ObjectURL builds a path-style URL for an object.
func ObjectURL(endpoint *url.URL, bucket, key string) string {
	u := *endpoint
	u.Path = path.Join("/", bucket, key)
	return u.String()
}
