package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"assessment-runner/internal/config"
	"assessment-runner/internal/dispatch"
)

// HostTarget posts raw image bytes to an image host that answers {"url": "..."}.
type HostTarget struct {
	URL string
}

func (h HostTarget) Prepare(_ context.Context, key string, body []byte, contentType string) (dispatch.Request, error) {
	if h.URL == "" {
		return dispatch.Request{}, errors.New("image upload url is not configured")
	}
	return dispatch.NewRequest(h.URL,
		dispatch.WithMethod(http.MethodPost),
		dispatch.WithBody(contentType, body),
		dispatch.WithHeader("X-Object-Key", key),
	), nil
}

func (h HostTarget) PublicURL(_ string, resp *dispatch.Response) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("upload response has no url")
	}
	return out.URL, nil
}

// S3Target presigns a PUT per object so the dispatcher can carry the upload
// with its usual retries.
type S3Target struct {
	presign *s3.PresignClient
	bucket  string
	baseURL string
	ttl     time.Duration
}

// NewS3Target loads AWS configuration and builds a presigning target.
// Extra load options (credentials in tests) are applied after the region.
func NewS3Target(ctx context.Context, cfg config.Config, extra ...func(*awsconfig.LoadOptions) error) (*S3Target, error) {
	if cfg.ImageS3Bucket == "" {
		return nil, errors.New("IMAGE_S3_BUCKET is not configured")
	}
	opts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.ImageS3Region)}, extra...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ImageS3PathStyle
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
	})

	base := strings.TrimRight(cfg.ImagePublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.ImageS3Bucket, cfg.ImageS3Region)
	}
	ttl := cfg.ImagePresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Target{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.ImageS3Bucket,
		baseURL: base,
		ttl:     ttl,
	}, nil
}

func (s *S3Target) Prepare(ctx context.Context, key string, body []byte, contentType string) (dispatch.Request, error) {
	signed, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return dispatch.Request{}, fmt.Errorf("presign put: %w", err)
	}
	opts := []dispatch.RequestOption{
		dispatch.WithMethod(signed.Method),
		dispatch.WithBody(contentType, body),
	}
	for name, values := range signed.SignedHeader {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		opts = append(opts, dispatch.WithHeader(name, values[0]))
	}
	return dispatch.NewRequest(signed.URL, opts...), nil
}

func (s *S3Target) PublicURL(key string, _ *dispatch.Response) (string, error) {
	return s.baseURL + "/" + key, nil
}
