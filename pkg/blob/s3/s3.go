// Package s3 provides a [blob.Store] backed by S3 or any S3-compatible object
// store (MinIO, R2, Ceph RGW).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/clonecall/pkg/blob"
)

// Config configures a [Store].
type Config struct {
	Bucket string
	Region string

	// Prefix is prepended to every key, e.g. "samples/".
	Prefix string

	// Endpoint overrides the service endpoint for S3-compatible stores.
	Endpoint string

	// UsePathStyle addresses buckets as path segments instead of subdomains.
	// Most self-hosted stores need this.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey are static credentials. When both are
	// empty requests are sent unsigned.
	AccessKeyID     string
	SecretAccessKey string
}

// objectAPI is the subset of the S3 client used by [Store].
type objectAPI interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
}

// Store is an object-storage [blob.Store].
type Store struct {
	client objectAPI
	bucket string
	prefix string
}

var _ blob.Store = (*Store)(nil)

// New builds a Store from cfg.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("blob s3: bucket must not be empty")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		awsCfg.Credentials = aws.AnonymousCredentials{}
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newWithClient(client objectAPI, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Get implements [blob.Store.Get].
func (s *Store) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if err := blob.ValidateKey(key); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("blob s3: get %q: %w", key, err)
	}
	defer out.Body.Close()

	if maxBytes > 0 && out.ContentLength != nil && *out.ContentLength > maxBytes {
		return nil, blob.ErrTooLarge
	}
	var r io.Reader = out.Body
	if maxBytes > 0 {
		r = io.LimitReader(out.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blob s3: read %q: %w", key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, blob.ErrTooLarge
	}
	return data, nil
}

// Put implements [blob.Store.Put].
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := blob.ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("blob s3: put %q: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
