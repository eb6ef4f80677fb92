package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
)

// S3Client is a Client backed by S3 or an S3 compatible service
type S3Client struct {
	s3Client *s3.Client
	config   *Config
}

func NewS3Client(s3Client *s3.Client, cfg *Config) *S3Client {
	return &S3Client{
		s3Client: s3Client,
		config:   cfg,
	}
}

// NewS3ClientWithConfig builds the AWS client from static credentials.
// timeout bounds every request.
func NewS3ClientWithConfig(ctx context.Context, cfg *Config, timeout time.Duration) (*S3Client, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("storage: bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: timeout,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		// S3 compatible stores often reject the streaming checksum trailer
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3Client(awsClient, cfg), nil
}

func (c *S3Client) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}

	resp, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &c.config.BucketName,
		Key:           &path,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(path)),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}

	slog.Debug("storage upload",
		"path", path,
		"size", humanize.Bytes(uint64(len(data))),
		"etag", strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
	)
	return path, nil
}

func (c *S3Client) Delete(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, ErrEmptyPath
	}

	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.config.BucketName,
		Key:    &path,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
