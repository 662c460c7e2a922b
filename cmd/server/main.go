package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"reelvault/internal/api"
	"reelvault/internal/blob"
	"reelvault/internal/catalog"
	"reelvault/internal/chunkstore"
	"reelvault/internal/dedup"
	"reelvault/internal/digest"
	"reelvault/internal/observability/logging"
	"reelvault/internal/observability/metrics"
	"reelvault/internal/server"
	"reelvault/internal/session"
	"reelvault/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	chunkDir := flag.String("chunk-dir", "", "directory for staged chunk data")
	chunkSize := flag.Int64("chunk-size", 0, "fixed chunk size in bytes")
	sessionTTL := flag.Duration("session-ttl", 0, "lifetime of an upload session before expiry")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between expiry sweeps")
	maxActiveSessions := flag.Int("max-active-sessions", 0, "maximum concurrently active upload sessions")
	digestCacheLimit := flag.Int("digest-cache-limit", 0, "maximum entries in the digest cache")
	digestCacheTTL := flag.Duration("digest-cache-ttl", 0, "lifetime of a cached digest entry")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	catalogDriver := flag.String("catalog-driver", "", "artifact catalog driver (memory or postgres)")
	catalogPostgresDSN := flag.String("catalog-postgres-dsn", "", "Postgres DSN for the artifact catalog")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string shared by postgres-backed stores")
	dedupDriver := flag.String("dedup-driver", "", "dedup index driver (file or redis)")
	dedupFile := flag.String("dedup-file", "", "path to the file-backed dedup index")
	dedupRedisAddr := flag.String("dedup-redis-addr", "", "Redis address for the dedup index")
	dedupRedisAddrs := flag.String("dedup-redis-addrs", "", "comma separated Redis addresses for the dedup index")
	dedupRedisUsername := flag.String("dedup-redis-username", "", "Redis username for the dedup index")
	dedupRedisPassword := flag.String("dedup-redis-password", "", "Redis password for the dedup index")
	dedupRedisPrefix := flag.String("dedup-redis-prefix", "", "Redis key prefix for the dedup index")
	dedupRedisMasterName := flag.String("dedup-redis-sentinel-master", "", "Redis sentinel master name for the dedup index")
	dedupRedisPoolSize := flag.Int("dedup-redis-pool-size", 0, "maximum Redis connections for the dedup index")
	dedupRedisTLSCA := flag.String("dedup-redis-tls-ca", "", "path to Redis TLS CA certificate for the dedup index")
	dedupRedisTLSCert := flag.String("dedup-redis-tls-cert", "", "path to Redis TLS client certificate for the dedup index")
	dedupRedisTLSKey := flag.String("dedup-redis-tls-key", "", "path to Redis TLS client key for the dedup index")
	dedupRedisTLSServerName := flag.String("dedup-redis-tls-server-name", "", "override Redis TLS server name for the dedup index")
	dedupRedisTLSSkipVerify := flag.Bool("dedup-redis-tls-skip-verify", false, "skip Redis TLS verification for the dedup index")
	blobDriver := flag.String("blob-driver", "", "artifact blob store driver (fs, s3, or noop)")
	blobDir := flag.String("blob-dir", "", "root directory for the filesystem blob store")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for artifacts")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	initLimit := flag.Int("rate-init-limit", 0, "maximum upload initiations per window for a single owner")
	initWindow := flag.Duration("rate-init-window", 0, "window for counting upload initiations")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed initiation throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed initiation throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the upload API")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("REELVAULT_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("REELVAULT_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("REELVAULT_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("REELVAULT_ADDR"))

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("REELVAULT_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("REELVAULT_TLS_KEY"))

	chunkRoot := firstNonEmpty(*chunkDir, os.Getenv("REELVAULT_CHUNK_DIR"), "data/chunks")
	chunks, err := chunkstore.New(chunkRoot)
	if err != nil {
		logger.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}

	defaultDSN := resolvePostgresDSN(*postgresDSN)

	sessionDriver, err := resolveStoreDriver(*sessionStoreDriver, os.Getenv("REELVAULT_SESSION_STORE"), defaultDSN)
	if err != nil {
		logger.Error("failed to resolve session store driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && sessionDriver != "postgres" {
		logger.Error("production mode requires the postgres session store", "driver", sessionDriver)
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	var (
		sessions      session.Store
		sessionCloser func(context.Context) error
	)
	switch sessionDriver {
	case "memory":
		sessions = session.NewMemoryStore()
	case "postgres":
		dsn := firstNonEmpty(*sessionPostgresDSN, os.Getenv("REELVAULT_SESSION_POSTGRES_DSN"), defaultDSN)
		if dsn == "" {
			logger.Error("postgres session store selected without DSN")
			os.Exit(1)
		}
		pgStore, err := session.NewPostgresStore(bootCtx, dsn)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessions = pgStore
		sessionCloser = pgStore.Close
	default:
		logger.Error("unsupported session store driver", "driver", sessionDriver)
		os.Exit(1)
	}

	catalogDriverValue, err := resolveStoreDriver(*catalogDriver, os.Getenv("REELVAULT_CATALOG_DRIVER"), defaultDSN)
	if err != nil {
		logger.Error("failed to resolve catalog driver", "error", err)
		os.Exit(1)
	}
	var (
		artifactCatalog catalog.Catalog
		catalogCloser   func(context.Context) error
	)
	switch catalogDriverValue {
	case "memory":
		artifactCatalog = catalog.NewMemoryCatalog()
	case "postgres":
		dsn := firstNonEmpty(*catalogPostgresDSN, os.Getenv("REELVAULT_CATALOG_POSTGRES_DSN"), defaultDSN)
		if dsn == "" {
			logger.Error("postgres catalog selected without DSN")
			os.Exit(1)
		}
		pgCatalog, err := catalog.NewPostgresCatalog(bootCtx, dsn)
		if err != nil {
			logger.Error("failed to open artifact catalog", "error", err)
			os.Exit(1)
		}
		artifactCatalog = pgCatalog
		catalogCloser = pgCatalog.Close
	default:
		logger.Error("unsupported catalog driver", "driver", catalogDriverValue)
		os.Exit(1)
	}

	dedupIndex, dedupCloser, err := configureDedupIndex(dedupConfig{
		Driver:     firstNonEmpty(*dedupDriver, os.Getenv("REELVAULT_DEDUP_DRIVER")),
		FilePath:   firstNonEmpty(*dedupFile, os.Getenv("REELVAULT_DEDUP_FILE")),
		Addr:       firstNonEmpty(*dedupRedisAddr, os.Getenv("REELVAULT_DEDUP_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*dedupRedisAddrs, os.Getenv("REELVAULT_DEDUP_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*dedupRedisUsername, os.Getenv("REELVAULT_DEDUP_REDIS_USERNAME")),
		Password:   firstNonEmpty(*dedupRedisPassword, os.Getenv("REELVAULT_DEDUP_REDIS_PASSWORD")),
		KeyPrefix:  firstNonEmpty(*dedupRedisPrefix, os.Getenv("REELVAULT_DEDUP_REDIS_PREFIX")),
		MasterName: firstNonEmpty(*dedupRedisMasterName, os.Getenv("REELVAULT_DEDUP_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*dedupRedisPoolSize, "REELVAULT_DEDUP_REDIS_POOL_SIZE"),
		TLS: dedup.RedisTLSConfig{
			CAFile:             firstNonEmpty(*dedupRedisTLSCA, os.Getenv("REELVAULT_DEDUP_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*dedupRedisTLSCert, os.Getenv("REELVAULT_DEDUP_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*dedupRedisTLSKey, os.Getenv("REELVAULT_DEDUP_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*dedupRedisTLSServerName, os.Getenv("REELVAULT_DEDUP_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*dedupRedisTLSSkipVerify, "REELVAULT_DEDUP_REDIS_TLS_SKIP_VERIFY"),
		},
	})
	if err != nil {
		logger.Error("failed to configure dedup index", "error", err)
		os.Exit(1)
	}

	blobs, err := configureBlobStore(blobConfig{
		Driver: firstNonEmpty(*blobDriver, os.Getenv("REELVAULT_BLOB_DRIVER")),
		Dir:    firstNonEmpty(*blobDir, os.Getenv("REELVAULT_BLOB_DIR")),
		S3: blob.S3Config{
			Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("REELVAULT_OBJECT_ENDPOINT")),
			Region:    firstNonEmpty(*objectRegion, os.Getenv("REELVAULT_OBJECT_REGION")),
			AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("REELVAULT_OBJECT_ACCESS_KEY")),
			SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("REELVAULT_OBJECT_SECRET_KEY")),
			Bucket:    firstNonEmpty(*objectBucket, os.Getenv("REELVAULT_OBJECT_BUCKET")),
			Prefix:    firstNonEmpty(*objectPrefix, os.Getenv("REELVAULT_OBJECT_PREFIX")),
			UseSSL:    resolveBool(*objectUseSSL, "REELVAULT_OBJECT_USE_SSL"),
		},
	}, logger)
	if err != nil {
		logger.Error("failed to configure blob store", "error", err)
		os.Exit(1)
	}

	digests := digest.NewCache(
		resolveInt(*digestCacheLimit, "REELVAULT_DIGEST_CACHE_LIMIT"),
		resolveDuration(*digestCacheTTL, "REELVAULT_DIGEST_CACHE_TTL", 0),
	)
	governor := upload.NewGovernor(resolveInt(*maxActiveSessions, "REELVAULT_MAX_ACTIVE_SESSIONS"), digests)

	manager, err := upload.NewManager(upload.Config{
		Sessions:   sessions,
		Chunks:     chunks,
		Dedup:      dedupIndex,
		Blobs:      blobs,
		Catalog:    artifactCatalog,
		Governor:   governor,
		ChunkSize:  resolveInt64(*chunkSize, "REELVAULT_CHUNK_SIZE"),
		SessionTTL: resolveDuration(*sessionTTL, "REELVAULT_SESSION_TTL", 0),
		Logger:     logging.WithComponent(logger, "upload"),
	})
	if err != nil {
		logger.Error("failed to initialise upload manager", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(manager, logging.WithComponent(logger, "api"))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepStop := upload.StartSweeper(workerCtx, upload.SweeperConfig{
		Sessions: sessions,
		Chunks:   chunks,
		Governor: governor,
		Interval: resolveDuration(*sweepInterval, "REELVAULT_SWEEP_INTERVAL", time.Minute),
		Logger:   logging.WithComponent(logger, "sweeper"),
	})
	defer sweepStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:     resolveFloat(*globalRPS, "REELVAULT_RATE_GLOBAL_RPS"),
		GlobalBurst:   resolveInt(*globalBurst, "REELVAULT_RATE_GLOBAL_BURST"),
		InitLimit:     resolveInt(*initLimit, "REELVAULT_RATE_INIT_LIMIT"),
		InitWindow:    resolveDuration(*initWindow, "REELVAULT_RATE_INIT_WINDOW", time.Minute),
		RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("REELVAULT_RATE_REDIS_ADDR")),
		RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("REELVAULT_RATE_REDIS_PASSWORD")),
		RedisTimeout:  resolveDuration(*rateRedisTimeout, "REELVAULT_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       server.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
		RateLimit: rateCfg,
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("REELVAULT_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("ReelVault upload API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCertPath != "" && tlsKeyPath != "" {
			logger.Info("TLS enabled", "cert_file", tlsCertPath)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if sessionCloser != nil {
		if err := sessionCloser(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}
	if catalogCloser != nil {
		if err := catalogCloser(ctx); err != nil {
			logger.Warn("failed to close artifact catalog", "error", err)
		}
	}
	if dedupCloser != nil {
		if err := dedupCloser(); err != nil {
			logger.Warn("failed to close dedup index", "error", err)
		}
	}

	logger.Info("server stopped")
}

type dedupConfig struct {
	Driver     string
	FilePath   string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	KeyPrefix  string
	MasterName string
	PoolSize   int
	TLS        dedup.RedisTLSConfig
}

func configureDedupIndex(cfg dedupConfig) (dedup.Index, func() error, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "file"
		}
	}
	switch driver {
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "data/dedup.json"
		}
		index, err := dedup.NewFileIndex(path)
		if err != nil {
			return nil, nil, err
		}
		return index, nil, nil
	case "redis":
		index, err := dedup.NewRedisIndex(dedup.RedisIndexConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			KeyPrefix:  cfg.KeyPrefix,
			MasterName: cfg.MasterName,
			PoolSize:   cfg.PoolSize,
			TLS:        cfg.TLS,
		})
		if err != nil {
			return nil, nil, err
		}
		return index, index.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dedup driver %q", driver)
	}
}

type blobConfig struct {
	Driver string
	Dir    string
	S3     blob.S3Config
}

func configureBlobStore(cfg blobConfig, logger *slog.Logger) (blob.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.S3.Endpoint != "" && cfg.S3.Bucket != "" {
			driver = "s3"
		} else {
			driver = "fs"
		}
	}
	switch driver {
	case "fs":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return blob.NewFSStore(dir)
	case "s3":
		return blob.NewS3Store(cfg.S3)
	case "noop":
		logger.Warn("artifact storage disabled, merged uploads are discarded")
		return blob.NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", driver)
	}
}

func resolveStoreDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "memory", nil
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("REELVAULT_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
