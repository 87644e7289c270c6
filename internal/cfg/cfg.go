package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string

	HTTPPort  int
	AdminPort int

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
	TrustedHops     int

	// Object store (R2 or any S3-compatible endpoint)
	StoreEndpoint  string
	StoreBucket    string
	StoreRegion    string
	StoreAccessKey string
	StoreSecretKey string

	SignGetTTL  time.Duration
	SignPutTTL  time.Duration
	SignTimeout time.Duration

	ResolveMaxKeys     int
	ResolveConcurrency int

	CacheMaxEntries    int
	CachePath          string
	CacheSweepInterval time.Duration

	ArchiveMaxBytes     int64
	ArchiveMaxFileBytes int64

	RepoDBPath string

	// Auth (bearer JWT against external issuer); empty JWKS URL disables auth
	AuthJWKSURL  string
	AuthIssuer   string
	AuthAudience string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies for client IP resolution")

	fs.StringVar(&c.StoreEndpoint, "store-endpoint", "", "object store endpoint URL (e.g. https://<account>.r2.cloudflarestorage.com)")
	fs.StringVar(&c.StoreBucket, "store-bucket", "", "object store bucket holding private assets")
	fs.StringVar(&c.StoreRegion, "store-region", "auto", "object store region (R2 uses \"auto\")")
	fs.StringVar(&c.StoreAccessKey, "store-access-key", "", "object store access key id")
	fs.StringVar(&c.StoreSecretKey, "store-secret-key", "", "object store secret access key")

	fs.DurationVar(&c.SignGetTTL, "sign-get-ttl", 3*time.Hour, "signed GET url lifetime")
	fs.DurationVar(&c.SignPutTTL, "sign-put-ttl", 1*time.Hour, "signed PUT url lifetime")
	fs.DurationVar(&c.SignTimeout, "sign-timeout", 10*time.Second, "per-key signing call timeout")

	fs.IntVar(&c.ResolveMaxKeys, "resolve-max-keys", 64, "max distinct keys per resolve request")
	fs.IntVar(&c.ResolveConcurrency, "resolve-concurrency", 8, "concurrent signing calls per batch (1..64)")

	fs.IntVar(&c.CacheMaxEntries, "cache-max-entries", 100, "signed url cache size bound")
	fs.StringVar(&c.CachePath, "cache-path", "", "signed url cache persistence file (empty = memory only)")
	fs.DurationVar(&c.CacheSweepInterval, "cache-sweep-interval", 5*time.Minute, "expired cache entry sweep interval (0 disables the sweeper)")

	fs.Int64Var(&c.ArchiveMaxBytes, "archive-max-bytes", 500*1024*1024, "max total uncompressed archive size")
	fs.Int64Var(&c.ArchiveMaxFileBytes, "archive-max-file-bytes", 100*1024*1024, "max single archive entry size")

	fs.StringVar(&c.RepoDBPath, "repo-db-path", "assets.db", "sqlite database path for repository metadata")

	fs.StringVar(&c.AuthJWKSURL, "auth-jwks-url", "", "JWKS URL of the external auth service (empty disables auth)")
	fs.StringVar(&c.AuthIssuer, "auth-issuer", "", "expected JWT issuer")
	fs.StringVar(&c.AuthAudience, "auth-audience", "", "expected JWT audience")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Object store
	if c.StoreEndpoint == "" {
		errs = append(errs, fmt.Errorf("STORE_ENDPOINT is required"))
	} else if u, err := url.Parse(c.StoreEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("STORE_ENDPOINT must be a URL (got %q)", c.StoreEndpoint))
	}
	if c.StoreBucket == "" {
		errs = append(errs, fmt.Errorf("STORE_BUCKET is required"))
	}
	if c.StoreAccessKey == "" {
		errs = append(errs, fmt.Errorf("STORE_ACCESS_KEY is required"))
	}
	if c.StoreSecretKey == "" {
		errs = append(errs, fmt.Errorf("STORE_SECRET_KEY is required"))
	}

	// Signing
	if c.SignGetTTL <= 0 {
		errs = append(errs, fmt.Errorf("SIGN_GET_TTL must be positive (got %v)", c.SignGetTTL))
	}
	if c.SignPutTTL <= 0 {
		errs = append(errs, fmt.Errorf("SIGN_PUT_TTL must be positive (got %v)", c.SignPutTTL))
	}
	if c.SignTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SIGN_TIMEOUT must be positive (got %v)", c.SignTimeout))
	}

	// Resolver
	if c.ResolveMaxKeys < 1 {
		errs = append(errs, fmt.Errorf("RESOLVE_MAX_KEYS must be >= 1 (got %d)", c.ResolveMaxKeys))
	}
	if c.ResolveConcurrency < 1 || c.ResolveConcurrency > 64 {
		errs = append(errs, fmt.Errorf("RESOLVE_CONCURRENCY must be 1..64 (got %d)", c.ResolveConcurrency))
	}

	// Cache
	if c.CacheMaxEntries < 1 {
		errs = append(errs, fmt.Errorf("CACHE_MAX_ENTRIES must be >= 1 (got %d)", c.CacheMaxEntries))
	}
	if c.CacheSweepInterval < 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be >= 0 (got %v)", c.CacheSweepInterval))
	}

	// Archive caps
	if c.ArchiveMaxBytes < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_BYTES must be >= 1 (got %d)", c.ArchiveMaxBytes))
	}
	if c.ArchiveMaxFileBytes < 1 {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_FILE_BYTES must be >= 1 (got %d)", c.ArchiveMaxFileBytes))
	}
	if c.ArchiveMaxFileBytes > c.ArchiveMaxBytes {
		errs = append(errs, fmt.Errorf("ARCHIVE_MAX_FILE_BYTES (%d) must not exceed ARCHIVE_MAX_BYTES (%d)", c.ArchiveMaxFileBytes, c.ArchiveMaxBytes))
	}

	if c.RepoDBPath == "" {
		errs = append(errs, fmt.Errorf("REPO_DB_PATH is required"))
	}

	// Auth
	if c.AuthJWKSURL != "" {
		if u, err := url.Parse(c.AuthJWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("AUTH_JWKS_URL must be a URL (got %q)", c.AuthJWKSURL))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
