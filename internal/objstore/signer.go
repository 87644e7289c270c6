package objstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SigningError carries the key and operation that failed so batch callers can
// report it per-key instead of failing the whole batch.
type SigningError struct {
	Key string
	Op  string // "get" or "put"
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// SignResult is the outcome of a successful signing call.
type SignResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// presignAPI is the slice of s3.PresignClient the signer uses, split out so
// tests can substitute a fake.
type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// headAPI is the slice of s3.Client used to confirm an object exists before
// a GET URL is signed.
type headAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// SignerMetrics is the subset of the server metrics the signer reports to.
type SignerMetrics interface {
	IncSign(intent, outcome string)
	ObserveSignDuration(intent string, seconds float64)
}

// SignerOptions configure TTLs and the per-call timeout.
type SignerOptions struct {
	Bucket      string
	GetTTL      time.Duration
	PutTTL      time.Duration
	SignTimeout time.Duration
	Metrics     SignerMetrics
	Now         func() time.Time
}

// Signer produces signed GET/PUT URLs for single keys. Stateless beyond the
// read-only client, safe for concurrent use.
type Signer struct {
	presign     presignAPI
	head        headAPI
	bucket      string
	getTTL      time.Duration
	putTTL      time.Duration
	signTimeout time.Duration
	metrics     SignerMetrics
	now         func() time.Time
}

// NewSigner wraps an S3 client in a presigner with the given TTL policy.
func NewSigner(client *s3.Client, opts SignerOptions) *Signer {
	return newSigner(s3.NewPresignClient(client), client, opts)
}

func newSigner(pc presignAPI, head headAPI, opts SignerOptions) *Signer {
	s := &Signer{
		presign:     pc,
		head:        head,
		bucket:      opts.Bucket,
		getTTL:      opts.GetTTL,
		putTTL:      opts.PutTTL,
		signTimeout: opts.SignTimeout,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	if s.getTTL <= 0 {
		s.getTTL = DefaultGetTTL
	}
	if s.putTTL <= 0 {
		s.putTTL = DefaultPutTTL
	}
	if s.signTimeout <= 0 {
		s.signTimeout = DefaultSignTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SignGet mints a URL authorizing a GET of key until now + GetTTL. A
// HeadObject round-trip runs first so a missing or unreachable object fails
// here as a per-key SigningError instead of at fetch time.
func (s *Signer) SignGet(ctx context.Context, key string) (SignResult, error) {
	return s.sign(ctx, key, "get", func(ctx context.Context, ttl time.Duration) (*v4.PresignedHTTPRequest, error) {
		if _, err := s.head.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return nil, err
		}
		return s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
	}, s.getTTL)
}

// SignPut mints a URL authorizing a PUT of key until now + PutTTL. The
// content type is baked into the signature so the uploader must match it.
func (s *Signer) SignPut(ctx context.Context, key, contentType string) (SignResult, error) {
	return s.sign(ctx, key, "put", func(ctx context.Context, ttl time.Duration) (*v4.PresignedHTTPRequest, error) {
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		if contentType != "" {
			in.ContentType = aws.String(contentType)
		}
		return s.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(ttl))
	}, s.putTTL)
}

func (s *Signer) sign(ctx context.Context, key, op string, fn func(context.Context, time.Duration) (*v4.PresignedHTTPRequest, error), ttl time.Duration) (SignResult, error) {
	if key == "" {
		err := &SigningError{Key: key, Op: op, Err: errEmptyKey}
		s.record(op, "error", 0)
		return SignResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.signTimeout)
	defer cancel()

	start := s.now()
	req, err := fn(ctx, ttl)
	elapsed := s.now().Sub(start).Seconds()
	if err != nil {
		s.record(op, "error", elapsed)
		return SignResult{}, &SigningError{Key: key, Op: op, Err: err}
	}

	s.record(op, "ok", elapsed)
	return SignResult{
		Key:       key,
		URL:       req.URL,
		ExpiresAt: start.Add(ttl),
	}, nil
}

func (s *Signer) record(intent, outcome string, seconds float64) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncSign(intent, outcome)
	if outcome == "ok" {
		s.metrics.ObserveSignDuration(intent, seconds)
	}
}

var errEmptyKey = fmt.Errorf("empty object key")
