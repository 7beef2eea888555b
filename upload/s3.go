package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/roomchat/roomchat/config"
)

// ObjectPutter is the part of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Storage struct {
	client  ObjectPutter
	bucket  string
	baseUrl string
	maxSize int64
}

// NewS3Storage uses the default AWS credential chain (environment, shared config, instance role).
func NewS3Storage(ctx context.Context, cfg config.UploadConfig) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no bucket configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newS3Storage(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Storage(client ObjectPutter, cfg config.UploadConfig) *S3Storage {
	baseUrl := cfg.BaseUrl
	if baseUrl == "" || baseUrl[0] == '/' {
		baseUrl = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
	}
	return &S3Storage{client: client, bucket: cfg.Bucket, baseUrl: baseUrl, maxSize: cfg.MaxSize}
}

func (s *S3Storage) Store(ctx context.Context, r io.Reader, fileName, mimeType string) (*Blob, error) {
	blob, data, err := prepare(r, fileName, mimeType, s.maxSize)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(blob.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(blob.Size),
		ContentType:   aws.String(blob.MimeType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", blob.Key, err)
	}
	blob.Url = joinUrl(s.baseUrl, blob.Key)
	return blob, nil
}
