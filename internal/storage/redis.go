package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"perimeter/internal/clock"
	"perimeter/internal/domain"

	"github.com/go-redis/redis/v8"
)

const counterKeyPrefix = "ratelimit:"

// incrementScript executa INCR + PEXPIRE na primeira escrita como um único passo atômico.
// Retorna {contador, ttl restante em ms}. A janela começa na primeira escrita e a chave
// expira exatamente no fim dela, então a próxima chamada abre uma janela nova.
var incrementScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// NewRedisClient cria e testa um cliente Redis
func NewRedisClient(cfg *RedisConfig, logger domain.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,

		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   1,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": cfg.Host,
			"port": cfg.Port,
			"db":   cfg.Database,
		})
	}

	return rdb, nil
}

// RedisCounterStore implementa a interface domain.CounterStore usando Redis
// A atomicidade do script substitui o mutex local, valendo para várias instâncias
type RedisCounterStore struct {
	client redis.Cmdable
	clock  domain.Clock
	logger domain.Logger
}

// RedisOption customiza o RedisCounterStore
type RedisOption func(*RedisCounterStore)

// WithRedisClock substitui o relógio usado para derivar o início da janela a partir do TTL.
// Deve ser o mesmo relógio do RateLimiterService, senão resetIn fica inconsistente.
func WithRedisClock(c domain.Clock) RedisOption {
	return func(r *RedisCounterStore) { r.clock = c }
}

// NewRedisCounterStore cria uma nova instância do RedisCounterStore
func NewRedisCounterStore(client redis.Cmdable, logger domain.Logger, opts ...RedisOption) *RedisCounterStore {
	store := &RedisCounterStore{
		client: client,
		clock:  clock.System{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Increment incrementa o contador para (key, endpoint) na janela corrente
func (r *RedisCounterStore) Increment(ctx context.Context, key, endpoint string, window time.Duration) (domain.CounterWindow, error) {
	start := time.Now()
	storageKey := BuildCounterKey(key, endpoint)
	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	result, err := incrementScript.Run(ctx, r.client, []string{storageKey}, windowMs).Result()
	if err != nil {
		r.logStorageOperation("INCREMENT", storageKey, start, err)
		return domain.CounterWindow{}, fmt.Errorf("%w: increment %s: %v", domain.ErrBackendUnavailable, storageKey, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		err := fmt.Errorf("invalid increment result for key %s", storageKey)
		r.logStorageOperation("INCREMENT", storageKey, start, err)
		return domain.CounterWindow{}, err
	}

	count, err := strconv.Atoi(fmt.Sprint(values[0]))
	if err != nil {
		return domain.CounterWindow{}, fmt.Errorf("invalid count in result for key %s: %w", storageKey, err)
	}
	ttlMs, err := strconv.ParseInt(fmt.Sprint(values[1]), 10, 64)
	if err != nil {
		return domain.CounterWindow{}, fmt.Errorf("invalid ttl in result for key %s: %w", storageKey, err)
	}

	elapsed := window - time.Duration(ttlMs)*time.Millisecond
	if elapsed < 0 {
		elapsed = 0
	}

	r.logStorageOperation("INCREMENT", storageKey, start, nil)
	return domain.CounterWindow{
		Count:       count,
		WindowStart: r.clock.Now().Add(-elapsed),
	}, nil
}

// Clear remove todas as janelas de uma chave (SCAN + DEL por padrão de prefixo)
func (r *RedisCounterStore) Clear(ctx context.Context, key string) error {
	start := time.Now()
	pattern := counterKeyPrefix + url.QueryEscape(key) + ":*"

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.logStorageOperation("CLEAR", pattern, start, err)
			return fmt.Errorf("failed to scan keys for %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.logStorageOperation("CLEAR", pattern, start, err)
				return fmt.Errorf("failed to delete keys for %s: %w", pattern, err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.logStorageOperation("CLEAR", pattern, start, nil)
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisCounterStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisCounterStore) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

// logStorageOperation registra operações de storage
func (r *RedisCounterStore) logStorageOperation(operation, key string, start time.Time, err error) {
	if r.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"operation":  operation,
		"key":        key,
		"latency_ms": time.Since(start).Seconds() * 1000,
	}
	if err != nil {
		r.logger.Error("Storage operation failed", err, fields)
		return
	}
	r.logger.Debug("Storage operation completed", fields)
}

// BuildCounterKey constrói a chave padronizada de uma janela.
// Os componentes são escapados para que ":" e curingas do SCAN não apareçam crus.
func BuildCounterKey(key, endpoint string) string {
	return counterKeyPrefix + url.QueryEscape(key) + ":" + url.QueryEscape(endpoint)
}
