// Package objstore mints time-limited signed URLs for private objects in an
// S3-compatible store and resolves batches of keys with per-key failure
// isolation.
package objstore

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// ClientOptions is the bucket/endpoint/credentials triple from configuration.
type ClientOptions struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewClient builds an S3 client pointed at an S3-compatible endpoint (R2,
// minio, AWS itself). Credentials are static, loaded once at startup.
func NewClient(ctx context.Context, opts ClientOptions) (*s3.Client, error) {
	region := opts.Region
	if region == "" {
		region = "auto"
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey, opts.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, xerrors.Wrap(err, "load object store config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})
	return client, nil
}

// Default TTLs for signed URLs. Reads live longer than writes since they are
// cached on the client side.
const (
	DefaultGetTTL      = 3 * time.Hour
	DefaultPutTTL      = 1 * time.Hour
	DefaultSignTimeout = 10 * time.Second
)
