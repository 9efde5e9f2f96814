package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// originalNameMeta is the object metadata key holding the client filename.
const originalNameMeta = "original-name"

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner issues presigned GET requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3BlobStore stores blobs in one bucket. Objects are encrypted at rest with
// the bucket's KMS key.
type S3BlobStore struct {
	client    S3API
	presigner Presigner
	bucket    string
	ttl       time.Duration
	now       func() time.Time
}

func NewS3BlobStore(client S3API, presigner Presigner, bucket string, ttl time.Duration) *S3BlobStore {
	return &S3BlobStore{client: client, presigner: presigner, bucket: bucket, ttl: ttl, now: time.Now}
}

// NewS3BlobStoreFromEnv loads the default AWS config. AWS_ENDPOINT_URL points
// the client at a local S3 (localstack, minio) with path-style addressing.
func NewS3BlobStoreFromEnv(ctx context.Context, bucket, region string, ttl time.Duration) (*S3BlobStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BlobStore(client, s3.NewPresignClient(client), bucket, ttl), nil
}

// Save buffers the object in memory so the upload has a known length and a
// content hash. Callers ingest one file at a time.
func (s *S3BlobStore) Save(ctx context.Context, prefix, name string, content io.Reader) (*Object, error) {
	if name == "" {
		return nil, ErrMissingFileName
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	key := NewKey(prefix, name, s.now())
	sum := sha256.Sum256(data)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		Metadata:             map[string]string{originalNameMeta: SanitizeName(name)},
		ServerSideEncryption: types.ServerSideEncryptionAwsKms,
	})
	if err != nil {
		return nil, fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return &Object{
		Path:         key,
		OriginalName: name,
		Size:         int64(len(data)),
		SHA256:       hex.EncodeToString(sum[:]),
	}, nil
}

func (s *S3BlobStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, s3Err(err)
	}
	return out.Body, nil
}

func (s *S3BlobStore) Stat(ctx context.Context, path string) (*Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, s3Err(err)
	}
	obj := &Object{Path: path, OriginalName: OriginalName(path)}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if name := out.Metadata[originalNameMeta]; name != "" {
		obj.OriginalName = name
	}
	return obj, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return s3Err(err)
	}
	return nil
}

// URL returns a presigned GET link valid for the configured TTL.
func (s *S3BlobStore) URL(ctx context.Context, path string) (string, error) {
	if s.presigner == nil {
		return "", ErrURLNotSupported
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return req.URL, nil
}

func s3Err(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return ErrBlobNotFound
	}
	return err
}
