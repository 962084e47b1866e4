package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/raaihank/ad-sentinel/internal/config"
	"github.com/raaihank/ad-sentinel/internal/features"
	"go.uber.org/zap"
)

// SchemaRegistry shares trained feature schemas through Redis so that
// prediction servers pick up the exact column layout of each unit.
type SchemaRegistry struct {
	client *redis.Client
	config config.CacheConfig
	logger *zap.Logger
	hits   int64
	misses int64
}

// NewSchemaRegistry connects to Redis and verifies the connection.
func NewSchemaRegistry(cfg config.CacheConfig, logger *zap.Logger) (*SchemaRegistry, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.MaxConnections
	opts.MinIdleConns = cfg.MinIdleConns

	r := &SchemaRegistry{
		client: redis.NewClient(opts),
		config: cfg,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Schema registry initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Duration("default_ttl", cfg.DefaultTTL))
	return r, nil
}

// Publish stores the schema and its registry entry in one pipeline.
func (r *SchemaRegistry) Publish(ctx context.Context, schema *features.Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema %s: %w", schema.Name, err)
	}
	entry, err := json.Marshal(Entry{
		DomainOS:    schema.Name,
		Fingerprint: schema.Fingerprint(),
		Width:       schema.Width(),
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.schemaKey(schema.Name), data, r.config.DefaultTTL)
	pipe.Set(ctx, r.entryKey(schema.Name), entry, r.config.DefaultTTL)
	pipe.SAdd(ctx, r.unitsKey(), schema.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to publish schema", zap.String("domain_os", schema.Name), zap.Error(err))
		return fmt.Errorf("failed to publish schema %s: %w", schema.Name, err)
	}

	r.logger.Debug("Schema published",
		zap.String("domain_os", schema.Name),
		zap.Int("width", schema.Width()))
	return nil
}

// Fetch returns the published schema of a unit. The fingerprint is
// re-verified while decoding.
func (r *SchemaRegistry) Fetch(ctx context.Context, domainOS string) (*features.Schema, error) {
	data, err := r.client.Get(ctx, r.schemaKey(domainOS)).Bytes()
	if err == redis.Nil {
		atomic.AddInt64(&r.misses, 1)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domainOS)
	} else if err != nil {
		return nil, fmt.Errorf("schema lookup failed: %w", err)
	}

	var schema features.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		r.logger.Error("Discarding corrupted schema", zap.String("domain_os", domainOS), zap.Error(err))
		r.client.Del(ctx, r.schemaKey(domainOS), r.entryKey(domainOS))
		atomic.AddInt64(&r.misses, 1)
		return nil, err
	}
	atomic.AddInt64(&r.hits, 1)
	return &schema, nil
}

// Entry returns the registry entry of a unit without decoding its schema.
func (r *SchemaRegistry) Entry(ctx context.Context, domainOS string) (*Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(domainOS)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domainOS)
	} else if err != nil {
		return nil, fmt.Errorf("entry lookup failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", domainOS, err)
	}
	return &e, nil
}

// Fingerprint returns the published fingerprint of a unit.
func (r *SchemaRegistry) Fingerprint(ctx context.Context, domainOS string) (string, error) {
	e, err := r.Entry(ctx, domainOS)
	if err != nil {
		return "", err
	}
	return e.Fingerprint, nil
}

// Units lists published units in lexical order.
func (r *SchemaRegistry) Units(ctx context.Context) ([]string, error) {
	units, err := r.client.SMembers(ctx, r.unitsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	sort.Strings(units)
	return units, nil
}

// Stats returns lookup counters and the number of published units.
func (r *SchemaRegistry) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		Hits:   atomic.LoadInt64(&r.hits),
		Misses: atomic.LoadInt64(&r.misses),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	n, err := r.client.SCard(ctx, r.unitsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count units: %w", err)
	}
	s.Units = n
	return s, nil
}

// Clear removes every key under the registry prefix.
func (r *SchemaRegistry) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.config.KeyPrefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan registry keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := r.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete registry keys: %w", err)
		}
	}

	r.logger.Info("Schema registry cleared", zap.Int("deleted_keys", len(keys)))
	return nil
}

// Close closes the Redis connection.
func (r *SchemaRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *SchemaRegistry) schemaKey(domainOS string) string {
	return r.config.KeyPrefix + ":schema:" + domainOS
}

func (r *SchemaRegistry) entryKey(domainOS string) string {
	return r.config.KeyPrefix + ":entry:" + domainOS
}

func (r *SchemaRegistry) unitsKey() string {
	return r.config.KeyPrefix + ":units"
}

// maskRedisURL masks the password of a Redis URL for logging.
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	start := strings.Index(userPart, "://") + 3
	colon := strings.LastIndex(userPart, ":")
	if colon < start {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
