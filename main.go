// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/carlmjohnson/versioninfo"
	"github.com/dustin/go-humanize"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/tilepyramid/api"
	"github.com/akhenakh/tilepyramid/blobstore"
	"github.com/akhenakh/tilepyramid/coverage"
	"github.com/akhenakh/tilepyramid/featureset"
	"github.com/akhenakh/tilepyramid/geotiff"
	"github.com/akhenakh/tilepyramid/mosaic"
	"github.com/akhenakh/tilepyramid/pyramid"
)

const appName = "tilepyramid"

var (
	grpcAPIServer     *grpc.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel        string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	APIPort         int    `env:"API_PORT" envDefault:"9200"`
	HealthPort      int    `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	// SourceKind is "cog" to serve a single Cloud Optimized GeoTIFF, "bucket" to serve a
	// pyramid store written by blobstore.Writer.
	SourceKind string `env:"SOURCE_KIND" envDefault:"cog"`
	// CogSource is a local path, an http(s) URL, or blob://key to read from BUCKET_URL.
	CogSource    string `env:"COG_SOURCE"`
	BucketURL    string `env:"BUCKET_URL" envDefault:"mem://"`
	BucketPrefix string `env:"BUCKET_PREFIX"`
	// FeaturePyramid names the feature pyramid of the bucket served on /features.
	FeaturePyramid string `env:"FEATURE_PYRAMID"`

	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"10m"`
	FetchConcurrency  int           `env:"FETCH_CONCURRENCY" envDefault:"8"`
	Prefetch          bool          `env:"PREFETCH" envDefault:"true"`
	MaxPixels         int           `env:"MAX_PIXELS" envDefault:"4194304"`
}

// source is the data behind the services and what must be released with it.
type source struct {
	pyramid.Source
	features *featureset.Reader
	closers  []func()
}

func (s *source) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)
	logger.Info("starting", "version", versioninfo.Short())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	src, err := setupSource(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize the pyramid source, shutting down", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	logger.Info("configuring tile cache",
		"max_size", humanize.Comma(cfg.CacheMaxSize),
		"items_to_prune", cfg.CacheItemsToPrune,
		"ttl", cfg.CacheTTL,
	)
	reader := coverage.NewReader(src.Source,
		coverage.WithCacheSize(cfg.CacheMaxSize, cfg.CacheItemsToPrune, cfg.CacheTTL),
		coverage.WithFetchConcurrency(cfg.FetchConcurrency),
		coverage.WithPrefetch(cfg.Prefetch),
		coverage.WithLogger(logger),
	)
	defer reader.Close()

	apiServer := api.NewServer(reader, api.WithLogger(logger), api.WithMaxPixels(cfg.MaxPixels))

	g, ctx := errgroup.WithContext(ctx)

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// gRPC API Server
	g.Go(func() error {
		return startGRPCAPIServer(logger, cfg, healthServer, apiServer)
	})

	// HTTP REST Server
	g.Go(func() error {
		h := &handlers{reader: reader, api: apiServer, features: src.features, logger: logger}
		return startHTTPRestServer(logger, cfg, h)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	if grpcAPIServer != nil {
		grpcAPIServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)
	prometheus.MustRegister(mosaic.Collectors()...)
	prometheus.MustRegister(coverage.Collectors()...)
	prometheus.MustRegister(geotiff.Collectors()...)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startGRPCAPIServer(logger *slog.Logger, cfg Config, healthServer *health.Server, s *api.Server) error {
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC API server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.StartCall, logging.FinishCall)}
	grpcAPIServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(
				InterceptorLogger(logger),
				lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)

	api.RegisterCoverageServiceServer(grpcAPIServer, s)
	reflection.Register(grpcAPIServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcAPIServer)

	// Set initial health status
	healthServer.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC API server listening", "address", addr)
	return grpcAPIServer.Serve(lis)
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, h *handlers) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	httpRestServer = &http.Server{Addr: addr, Handler: h.routes()}
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

// setupSource opens the pyramids served, a single COG or a bucket pyramid store.
func setupSource(ctx context.Context, cfg Config, logger *slog.Logger) (*source, error) {
	switch cfg.SourceKind {
	case "cog":
		return setupTIFFReader(ctx, cfg, logger)
	case "bucket":
		return setupBucketStore(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown source kind %q, expected cog or bucket", cfg.SourceKind)
}

func setupTIFFReader(ctx context.Context, cfg Config, logger *slog.Logger) (*source, error) {
	if cfg.CogSource == "" {
		return nil, errors.New("COG_SOURCE is required for a cog source")
	}
	logger.Info("initializing GeoTIFF reader", "source", cfg.CogSource)
	src := &source{}
	var reader io.ReadSeeker
	switch {
	case strings.HasPrefix(cfg.CogSource, "http"):
		r, err := geotiff.NewHTTPRangeReader(ctx, cfg.CogSource, nil) // Using default client
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP reader for COG: %w", err)
		}
		reader = r
	case strings.HasPrefix(cfg.CogSource, "blob://"):
		bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.BucketURL, err)
		}
		src.closers = append(src.closers, func() { bucket.Close() })
		r, err := geotiff.NewBlobReader(ctx, bucket, strings.TrimPrefix(cfg.CogSource, "blob://"))
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to create blob reader for COG: %w", err)
		}
		reader = r
	default:
		file, err := os.Open(cfg.CogSource)
		if err != nil {
			return nil, fmt.Errorf("failed to open local COG file: %w", err)
		}
		src.closers = append(src.closers, func() { file.Close() })
		reader = file
	}

	geo, err := geotiff.Open(reader, cfg.CacheMaxSize, cfg.CacheItemsToPrune, geotiff.WithLogger(logger))
	if err != nil {
		src.Close()
		return nil, err
	}
	src.closers = append(src.closers, geo.Close)
	src.Source = geo
	return src, nil
}

func setupBucketStore(ctx context.Context, cfg Config, logger *slog.Logger) (*source, error) {
	logger.Info("opening pyramid store", "bucket", cfg.BucketURL, "prefix", cfg.BucketPrefix)
	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", cfg.BucketURL, err)
	}
	src := &source{closers: []func(){func() { bucket.Close() }}}

	store, err := blobstore.Open(ctx, bucket, cfg.BucketPrefix, blobstore.WithLogger(logger))
	if err != nil {
		src.Close()
		return nil, err
	}
	src.Source = store

	if cfg.FeaturePyramid != "" {
		p, err := store.FeaturePyramid(cfg.FeaturePyramid)
		if err != nil {
			src.Close()
			return nil, err
		}
		src.features = featureset.NewReader(p, featureset.WithLogger(logger))
	}
	return src, nil
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
