package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/roadrunner-server/errors"
)

// Uploader is the primary object-store dependency of the tier. The S3
// client satisfies it in production; tests substitute fakes.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// S3Options configures the primary store client.
type S3Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string

	// Endpoint overrides the AWS endpoint for S3-compatible stores.
	Endpoint       string
	ForcePathStyle bool
}

// PutObjectAPI is the slice of the S3 client the store uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads attachments to one bucket and renders their durable URLs.
type S3Store struct {
	client PutObjectAPI
	opts   S3Options
}

// NewS3 builds the primary store client from static credentials.
func NewS3(ctx context.Context, opts S3Options) (*S3Store, error) {
	const op = errors.Op("storage_new_s3")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, errors.E(op, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	return &S3Store{client: client, opts: opts}, nil
}

// NewS3WithClient substitutes a custom client, used for testing.
func NewS3WithClient(client PutObjectAPI, opts S3Options) *S3Store {
	return &S3Store{client: client, opts: opts}
}

// Upload puts one object and returns its durable URL.
func (s *S3Store) Upload(ctx context.Context, key, contentType string, body []byte) (string, error) {
	const op = errors.Op("storage_s3_upload")

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.E(op, err)
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	escaped := url.PathEscape(key)
	if s.opts.Endpoint != "" {
		base := strings.TrimRight(s.opts.Endpoint, "/")
		return fmt.Sprintf("%s/%s/%s", base, s.opts.Bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.opts.Bucket, s.opts.Region, escaped)
}
