package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3Uploader.
type S3Config struct {
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
}

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes payloads to s3://bucket/prefix, keyed by their SHA-256.
// The mesh auth token is not used; access comes from the AWS credential chain.
type S3Uploader struct {
	client s3PutAPI
}

func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{client: client}, nil
}

// Upload returns the s3:// URL of the stored object.
func (u *S3Uploader) Upload(ctx context.Context, endpoint string, r io.Reader, _ string) (string, error) {
	bucket, prefix, err := bucketAndPrefix(endpoint, "s3")
	if err != nil {
		return "", err
	}
	// PutObject needs a seekable body to sign the payload.
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("upload: read payload: %w", err)
	}
	sum := sha256.Sum256(data)
	key := prefix + hex.EncodeToString(sum[:]) + ".blob"

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return "s3://" + bucket + "/" + key, nil
}
