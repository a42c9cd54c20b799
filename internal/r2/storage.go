// Package r2 mirrors stored images to a Cloudflare R2 (S3 compatible)
// bucket. The mirror is write-only from the service's point of view: reads
// are always served from the local storage root.
package r2

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	conf "github.com/chaos-zhu/easyimg/internal/config"
)

type S3 struct {
	Bucket         string
	MaxRetries     int
	RetryBaseDelay time.Duration

	S3Client *s3.Client
	logger   *slog.Logger
}

func NewStorage(cfg *conf.R2Config, logger *slog.Logger) *S3 {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	awsCfg := aws.Config{
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		Region:      cfg.Region,
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
		// Retries are handled below so they can be logged and bounded per job.
		o.RetryMaxAttempts = 1
	})

	logger = logger.With(slog.String("component", "r2"))
	logger.Info("r2 client initialized", slog.String("bucket", cfg.BucketName), slog.String("endpoint", endpoint))

	return &S3{
		Bucket:         cfg.BucketName,
		MaxRetries:     3,
		RetryBaseDelay: 300 * time.Millisecond,
		S3Client:       client,
		logger:         logger,
	}
}

// Put uploads payload under key, retrying transient failures with backoff.
func (s *S3) Put(ctx context.Context, key, contentType string, payload []byte) error {
	return s.withRetry(ctx, "put", key, func() error {
		_, err := s.S3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(payload),
			ContentLength: aws.Int64(int64(len(payload))),
			ContentType:   aws.String(contentType),
		})
		return err
	})
}

// Delete removes key from the bucket. Deleting a missing key succeeds.
func (s *S3) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, "delete", key, func() error {
		_, err := s.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

func (s *S3) withRetry(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt > s.MaxRetries {
			break
		}

		s.logger.Warn("r2 request failed, retrying",
			slog.String("op", op),
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(s.backoffDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("r2 %s %q: %w", op, key, ctx.Err())
		}
	}
	return fmt.Errorf("r2 %s %q: %w", op, key, err)
}

// backoffDelay doubles the base delay per attempt with +/-5% jitter.
func (s *S3) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := int64(delay) / 10
	if jitter <= 0 {
		return delay
	}
	return delay - time.Duration(jitter/2) + time.Duration(rand.Int64N(jitter))
}
