// Package s3 stores localstore entries as objects in an S3 bucket.
//
// S3 has no change notifications, so this is a Storage only. A Store cannot
// be built on it directly (New reports ErrEnvironmentUnsupported); put it
// behind a hub, which adds the notification channel:
//
//	client := s3.NewFromOptions(s3.ClientOptions{Region: "eu-west-1"})
//	storage := s3.New(client, "my-bucket", s3.WithPrefix("localstore/"))
//
//	srv := hub.New(storage)
//	http.ListenAndServe(":7070", srv.Handler())
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	errs "github.com/vango-dev/localstore/internal/errors"
	"github.com/vango-dev/localstore/pkg/localstore"
)

// DefaultPrefix is prepended to every object key.
const DefaultPrefix = "localstore/"

// API is the subset of the S3 client used by Storage.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Option configures Storage.
type Option func(*Storage)

// WithPrefix sets the object key prefix. Default: "localstore/".
func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

// Storage keeps one object per entry.
type Storage struct {
	client API
	bucket string
	prefix string
}

var _ localstore.Storage = (*Storage)(nil)

// New creates S3 storage in bucket.
func New(client API, bucket string, opts ...Option) *Storage {
	s := &Storage{
		client: client,
		bucket: bucket,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) objectKey(key string) string {
	return s.prefix + key + ".json"
}

// GetItem downloads the object for key. A missing object is absent.
func (s *Storage) GetItem(ctx context.Context, key string) (string, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", false, nil
		}
		return "", false, errs.Newf(errs.CategoryStorage, "s3 get %s failed", s.objectKey(key)).Wrap(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, errs.Newf(errs.CategoryStorage, "s3 read %s failed", s.objectKey(key)).Wrap(err)
	}
	return string(data), true, nil
}

// SetItem uploads value as the object for key.
func (s *Storage) SetItem(ctx context.Context, key, value string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader([]byte(value)),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"localstore-key": key,
		},
	})
	if err != nil {
		return errs.Newf(errs.CategoryStorage, "s3 upload %s failed", s.objectKey(key)).Wrap(err)
	}
	return nil
}

// ClientOptions configures NewFromOptions.
type ClientOptions struct {
	// Region is the AWS region. If empty, AWS_REGION is used.
	Region string

	// Endpoint overrides the service endpoint, e.g. for MinIO.
	Endpoint string

	// AccessKeyID and SecretAccessKey set static credentials. If empty,
	// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN are
	// read from the environment. Without either, requests are anonymous.
	// Shared config files and instance roles are not consulted.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle selects path-style addressing, required by most
	// S3-compatible servers.
	UsePathStyle bool
}

// NewFromOptions builds an S3 client without loading shared AWS config.
func NewFromOptions(o ClientOptions) *s3.Client {
	opts := s3.Options{
		Region:       o.Region,
		UsePathStyle: o.UsePathStyle,
	}
	if opts.Region == "" {
		opts.Region = os.Getenv("AWS_REGION")
	}
	if o.Endpoint != "" {
		opts.BaseEndpoint = aws.String(o.Endpoint)
	}

	creds := aws.Credentials{
		AccessKeyID:     o.AccessKeyID,
		SecretAccessKey: o.SecretAccessKey,
		Source:          "localstore",
	}
	if creds.AccessKeyID == "" {
		creds = aws.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}
	}

	if creds.AccessKeyID != "" {
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	return s3.New(opts)
}
