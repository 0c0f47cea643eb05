package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config holds the event archive settings.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// ObjectPutter is the subset of *s3.Client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores every lifecycle event as a JSON object.
type S3Archive struct {
	client ObjectPutter
	bucket string
}

// NewS3Archive builds an S3 client from static credentials. An empty bucket
// disables archiving and returns nil, nil.
func NewS3Archive(config S3Config) (*S3Archive, error) {
	if config.Bucket == "" {
		log.Info().Msg("S3_BUCKET is not set. Event archiving disabled.")
		return nil, nil
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set %s and %s", envS3AccessKey, envS3SecretKey)
	}

	endpoint := config.Endpoint
	// Clean endpoint if it contains bucket name (common misconfiguration)
	if endpoint != "" && strings.Contains(endpoint, config.Bucket+".") {
		endpoint = strings.Replace(endpoint, config.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", config.Endpoint).
			Str("cleanedEndpoint", endpoint).
			Str("bucket", config.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}

	// Force path-style for buckets with dots in their names to avoid SSL certificate issues
	usePathStyle := config.PathStyle || strings.Contains(config.Bucket, ".")

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", config.Bucket).
		Str("region", config.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("S3 event archive initialized")
	return &S3Archive{client: client, bucket: config.Bucket}, nil
}

// EventKey returns events/YYYY/MM/DD/<type>/<id>.json, dated by the event time.
func EventKey(env Envelope) string {
	t := env.Meta.Time.UTC()
	return fmt.Sprintf("events/%s/%s/%s/%s/%s.json",
		t.Format("2006"), t.Format("01"), t.Format("02"), env.Meta.Type, env.Meta.ID)
}

// Store uploads env and returns its object key.
func (a *S3Archive) Store(ctx context.Context, env Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	key := EventKey(env)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("no-cache"),
		Metadata: map[string]string{
			"event-type": env.Meta.Type,
			"event-id":   env.Meta.ID,
			"emitted-at": env.Meta.Time.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		log.Error().Err(err).Str("bucket", a.bucket).Str("key", key).Msg("Failed to archive event to S3")
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	log.Debug().Str("bucket", a.bucket).Str("key", key).Msg("Event archived to S3")
	return key, nil
}
