// Package imagestore uploads base64 image outputs to S3-compatible object
// storage so callers that asked for response_format=url get links even from
// providers that only return inline bytes.
package imagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"github.com/nulpointcorp/image-gateway/internal/imageref"
	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// Config holds the bucket coordinates. Empty credentials fall back to the
// default AWS chain.
type Config struct {
	Bucket      string
	Region      string
	AccessKeyID string
	SecretKey   string
	// Endpoint targets MinIO and other S3-compatible stores (path-style).
	Endpoint   string
	PathPrefix string
	// PublicURL is the base for returned links; defaults to the bucket URL.
	PublicURL string
}

// S3 publishes images to a bucket.
type S3 struct {
	cfg    Config
	client *s3.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewS3 builds the client from cfg.
func NewS3(ctx context.Context, cfg Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("imagestore: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("imagestore: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		log:    logger,
		now:    time.Now,
	}, nil
}

// Put stores data under key and returns its public URL.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("imagestore: put %s: %w", key, err)
	}
	return s.url(key), nil
}

// Publish replaces every inline image with an uploaded URL. An upload
// failure keeps that image inline.
func (s *S3) Publish(ctx context.Context, requestID string, images []providers.Image) []providers.Image {
	out := make([]providers.Image, len(images))
	for i, img := range images {
		out[i] = img
		if img.B64JSON == "" {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			s.log.WarnContext(ctx, "image_publish_failed",
				slog.String("request_id", requestID),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}

		mime := imageref.Sniff(data)
		url, err := s.Put(ctx, s.key(requestID, i, mime), data, mime)
		if err != nil {
			s.log.WarnContext(ctx, "image_publish_failed",
				slog.String("request_id", requestID),
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		out[i] = providers.Image{URL: url, RevisedPrompt: img.RevisedPrompt}
	}
	return out
}

func (s *S3) key(requestID string, index int, mime string) string {
	ext := ".bin"
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	name := fmt.Sprintf("%s-%d%s", requestID, index, ext)
	return path.Join(s.cfg.PathPrefix, s.now().UTC().Format("2006/01/02"), name)
}

func (s *S3) url(key string) string {
	switch {
	case s.cfg.PublicURL != "":
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + key
	case s.cfg.Endpoint != "":
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	default:
		region := s.cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, region, key)
	}
}
