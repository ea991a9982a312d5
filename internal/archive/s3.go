// Package archive writes dead-lettered jobs to S3-compatible object storage
// so operators can inspect them after the in-memory list has rotated.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config holds S3 settings.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// ObjectPutter is the subset of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores dead letters as JSON objects.
type S3Archive struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
}

// NewS3Archive builds an S3 client from cfg.
func NewS3Archive(cfg Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	endpoint := cfg.Endpoint
	// Endpoints sometimes carry the bucket as a host prefix.
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", endpoint).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	// Dotted bucket names break virtual-host TLS certificates.
	usePathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("S3 dead-letter archive initialized")
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectPutter, bucket string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, now: time.Now}
}

// Key returns the object key for a dead letter:
// dead-letters/{queue}/{yyyy}/{mm}/{dd}/{id}.json
func (a *S3Archive) Key(queue, id string, at time.Time) string {
	queue = strings.NewReplacer("/", "_", " ", "_").Replace(queue)
	return fmt.Sprintf("dead-letters/%s/%s/%s/%s/%s.json",
		queue,
		at.Format("2006"),
		at.Format("01"),
		at.Format("02"),
		id,
	)
}

// ArchiveDeadLetter uploads body under the dead-letter key of (queue, id).
func (a *S3Archive) ArchiveDeadLetter(ctx context.Context, queue, id string, body []byte) error {
	key := a.Key(queue, id, a.now().UTC())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", a.bucket).
			Int("size", len(body)).
			Msg("Failed to upload dead letter to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().
		Str("key", key).
		Str("bucket", a.bucket).
		Int("size", len(body)).
		Msg("Dead letter archived to S3")
	return nil
}
