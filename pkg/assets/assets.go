// Package assets fetches opaque model blobs from local files or S3-compatible
// object storage.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxSize bounds the size of a model blob.
const MaxSize = 64 << 20

// Source opens a model asset.
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// File is a model asset on the local filesystem.
type File string

// Name returns the file path.
func (f File) Name() string {
	return string(f)
}

// Open opens the file.
func (f File) Open(ctx context.Context) (io.ReadCloser, error) {
	return os.Open(string(f))
}

// S3 is a model asset stored as an object in a bucket.
type S3 struct {
	Client *minio.Client
	Bucket string
	Key    string
}

// NewS3 creates an S3 source with static credentials.
func NewS3(endpoint, accessKey, secretKey, bucket, key string, secure bool) (*S3, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &S3{
		Client: client,
		Bucket: bucket,
		Key:    key,
	}, nil
}

// Name returns the s3:// URL of the object.
func (s *S3) Name() string {
	return "s3://" + s.Bucket + "/" + s.Key
}

// Open starts reading the object.
func (s *S3) Open(ctx context.Context) (io.ReadCloser, error) {
	if s.Client == nil {
		return nil, errors.New("s3 client not initialized")
	}

	obj, err := s.Client.GetObject(ctx, s.Bucket, s.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return obj, nil
}

// ReadAll reads the whole asset, failing if it exceeds MaxSize.
func ReadAll(ctx context.Context, src Source) ([]byte, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src.Name(), err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("read %s: asset larger than %d bytes", src.Name(), MaxSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("read %s: empty asset", src.Name())
	}
	return data, nil
}
