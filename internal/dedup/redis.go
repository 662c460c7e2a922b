package dedup

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reelvault/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisIndexConfig configures the Redis-backed dedup index, used when
// multiple engine replicas must share the table.
type RedisIndexConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// RedisIndex stores one Redis hash per digest.
type RedisIndex struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisIndex connects a dedup index backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisIndex(cfg RedisIndexConfig) (*RedisIndex, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "reelvault:dedup"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisIndex{client: client, keyPrefix: prefix}, nil
}

// Close releases the underlying Redis client.
func (i *RedisIndex) Close() error {
	if i == nil || i.client == nil {
		return nil
	}
	return i.client.Close()
}

func (i *RedisIndex) key(digest string) string {
	return i.keyPrefix + ":" + digest
}

func (i *RedisIndex) Lookup(ctx context.Context, digest string) (models.DedupEntry, bool, error) {
	normalized := normalizeDigest(digest)
	if normalized == "" {
		return models.DedupEntry{}, false, nil
	}
	fields, err := i.client.HGetAll(ctx, i.key(normalized)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.DedupEntry{}, false, nil
		}
		return models.DedupEntry{}, false, fmt.Errorf("dedup lookup %s: %w", normalized, err)
	}
	locator := fields["locator"]
	artifactID := fields["artifactId"]
	if locator == "" || artifactID == "" {
		return models.DedupEntry{}, false, nil
	}
	entry := models.DedupEntry{
		Digest:     normalized,
		Locator:    locator,
		ArtifactID: artifactID,
	}
	if raw := fields["createdAt"]; raw != "" {
		if created, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			entry.CreatedAt = created
		}
	}
	return entry, true, nil
}

func (i *RedisIndex) Insert(ctx context.Context, entry models.DedupEntry) error {
	normalized := normalizeDigest(entry.Digest)
	if normalized == "" {
		return errors.New("dedup digest is required")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	err := i.client.HSet(ctx, i.key(normalized),
		"locator", entry.Locator,
		"artifactId", entry.ArtifactID,
		"createdAt", createdAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("dedup insert %s: %w", normalized, err)
	}
	return nil
}

func (i *RedisIndex) Remove(ctx context.Context, digest string) error {
	normalized := normalizeDigest(digest)
	if normalized == "" {
		return nil
	}
	if err := i.client.Del(ctx, i.key(normalized)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedup remove %s: %w", normalized, err)
	}
	return nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
