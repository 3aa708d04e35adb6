package io

import (
	"context"
	stdio "io"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docpump/internal/config"
	"docpump/internal/logging"
)

// ObjectStore reads and writes whole objects in one bucket. Upload satisfies
// splitter.Uploader.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r stdio.Reader) error
	Open(ctx context.Context, key string) (stdio.ReadCloser, error)
}

// newObjectStoreFunc allows overriding the store constructor for testing.
var newObjectStoreFunc = func(cfg config.ObjectStoreConfig, bucket, contentType string) (ObjectStore, error) {
	return NewS3Store(cfg, bucket, contentType)
}

// ParseObjectLocator splits s3://bucket/key.
func ParseObjectLocator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", errors.Wrap(err, "parse object locator")
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", errors.Newf("object locator %q must look like s3://bucket/key", locator)
	}
	return bucket, key, nil
}

// S3Store is an ObjectStore on any S3-compatible endpoint through minio-go.
type S3Store struct {
	client      *minio.Client
	bucket      string
	contentType string
}

// NewS3Store creates a client for cfg.Endpoint bound to bucket.
func NewS3Store(cfg config.ObjectStoreConfig, bucket, contentType string) (*S3Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object store endpoint is required")
	}
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &S3Store{client: client, bucket: bucket, contentType: contentType}, nil
}

// Upload streams r into key. The size is unknown, so minio-go uploads in
// multipart chunks as data arrives.
func (s *S3Store) Upload(ctx context.Context, key string, r stdio.Reader) error {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: s.contentType,
	})
	if err != nil {
		return classifyObjectError(err, s.bucket, key)
	}
	logging.Logf(logging.Debug, "Uploaded s3://%s/%s (%d bytes)", s.bucket, key, info.Size)
	return nil
}

// Open returns a reader over key. Missing objects fail on the first read;
// Stat is called up front so they fail here instead.
func (s *S3Store) Open(ctx context.Context, key string) (stdio.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(err, s.bucket, key)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classifyObjectError(err, s.bucket, key)
	}
	return obj, nil
}

// classifyObjectError names the common S3 failure codes.
func classifyObjectError(err error, bucket, key string) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket":
		return errors.Wrapf(err, "bucket %q does not exist", bucket)
	case "NoSuchKey":
		return errors.Wrapf(err, "object s3://%s/%s does not exist", bucket, key)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return errors.Wrapf(err, "access to s3://%s/%s denied", bucket, key)
	}
	return errors.Wrapf(err, "s3://%s/%s", bucket, key)
}
