package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-assets/internal/health"
	"github.com/keithlinneman/linnemanlabs-assets/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-assets/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
	"github.com/keithlinneman/linnemanlabs-assets/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-assets/internal/objstore"
	"github.com/keithlinneman/linnemanlabs-assets/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-assets/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-assets/internal/prof"
	"github.com/keithlinneman/linnemanlabs-assets/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-assets/internal/repository/sqlite"
	"github.com/keithlinneman/linnemanlabs-assets/internal/resourcehttp"
	"github.com/keithlinneman/linnemanlabs-assets/internal/urlcache"
	v "github.com/keithlinneman/linnemanlabs-assets/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix LMLABS_ and validate
	cfg.FillFromEnv(flag.CommandLine, "LMLABS_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl := lvl
	if conf.StacktraceLevel != "" {
		stLvl, err = log.ParseLevel(conf.StacktraceLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         v.Version,
		Commit:          v.Commit,
		BuildId:         v.BuildId,
		Level:           lvl,
		StacktraceLevel: stLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"store_endpoint", conf.StoreEndpoint,
		"store_bucket", conf.StoreBucket,
		"cache_max_entries", conf.CacheMaxEntries,
		"cache_path", conf.CachePath,
		"repo_db_path", conf.RepoDBPath,
		"auth_enabled", conf.AuthJWKSURL != "",
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Object store client + signer + batch resolver
	s3Client, err := objstore.NewClient(ctx, objstore.ClientOptions{
		Endpoint:  conf.StoreEndpoint,
		Region:    conf.StoreRegion,
		AccessKey: conf.StoreAccessKey,
		SecretKey: conf.StoreSecretKey,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create object store client")
		os.Exit(1)
	}
	signer := objstore.NewSigner(s3Client, objstore.SignerOptions{
		Bucket:      conf.StoreBucket,
		GetTTL:      conf.SignGetTTL,
		PutTTL:      conf.SignPutTTL,
		SignTimeout: conf.SignTimeout,
		Metrics:     m,
	})
	batch := objstore.NewResolver(signer, objstore.ResolverOptions{
		Concurrency: conf.ResolveConcurrency,
		Logger:      L,
		Metrics:     m,
	})

	// Signed URL cache, optionally persisted across restarts
	cache := urlcache.New(urlcache.Options{
		MaxEntries: conf.CacheMaxEntries,
		Metrics:    m,
	})
	if conf.CachePath != "" {
		if err := cache.Load(conf.CachePath); err != nil {
			L.Warn(ctx, "failed to load url cache, starting empty", "cache_path", conf.CachePath, "error", err.Error())
		} else if n := cache.Len(); n > 0 {
			L.Info(ctx, "loaded persisted url cache", "cache_path", conf.CachePath, "entries", n)
		}
	}
	resolver := urlcache.NewCachedResolver(cache, batch, L)

	var sweeper *urlcache.Sweeper
	if conf.CacheSweepInterval > 0 {
		sweeper = urlcache.NewSweeper(cache, conf.CacheSweepInterval, L)
		sweeper.Start(ctx)
	}

	// Repository store
	store, err := sqlite.Open(conf.RepoDBPath)
	if err != nil {
		L.Error(ctx, err, "failed to open repository store", "repo_db_path", conf.RepoDBPath)
		os.Exit(1)
	}
	defer store.Close()

	// Optional bearer auth on mutating routes
	var authMW func(http.Handler) http.Handler
	var auth *httpmw.Authenticator
	if conf.AuthJWKSURL != "" {
		auth, err = httpmw.NewAuthenticator(httpmw.AuthOptions{
			JWKSURL:  conf.AuthJWKSURL,
			Issuer:   conf.AuthIssuer,
			Audience: conf.AuthAudience,
			Logger:   L,
		})
		if err != nil {
			L.Error(ctx, err, "failed to init auth", "auth_jwks_url", conf.AuthJWKSURL)
			os.Exit(1)
		}
		defer auth.Close()
		authMW = auth.Middleware()
	}

	api := resourcehttp.NewAPI(resourcehttp.Options{
		Resolver:        resolver,
		Signer:          signer,
		Store:           store,
		Logger:          L,
		Metrics:         m,
		MaxArchiveBytes: conf.ArchiveMaxBytes,
		MaxFileBytes:    conf.ArchiveMaxFileBytes,
		MaxResolveKeys:  conf.ResolveMaxKeys,
		AuthMW:          authMW,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness requires the gate open and the repository store reachable
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		}),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		// archive uploads need headroom over the JSON default
		MaxBodyBytes: conf.ArchiveMaxBytes + 1<<20,
		Logger:       L,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// admin listener serves metrics, health checks, and pprof
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, sigStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer sigStop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "sleeping 15s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(15 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	if conf.CachePath != "" {
		if err := cache.Save(conf.CachePath); err != nil {
			L.Error(context.Background(), err, "failed to persist url cache", "cache_path", conf.CachePath)
		}
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET to a unix socket path when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
