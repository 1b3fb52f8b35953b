package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"perimeter/internal/domain"
	"perimeter/internal/logger"
)

const credentialKeyPrefix = "credential:"

// RedisStore implementa domain.CredentialStore sobre Redis, compartilhado entre instâncias.
// SET NX PX grava com expiração; GETDEL lê e remove em um único comando atômico.
type RedisStore struct {
	client redis.Cmdable
	opts   Options
	logger domain.Logger
}

// NewRedisStore cria o store Redis
func NewRedisStore(client redis.Cmdable, opts Options, logger domain.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Store guarda o segredo com TTL
func (r *RedisStore) Store(ctx context.Context, secret string) (string, error) {
	for {
		token, err := r.opts.Random.Token(tokenBytes)
		if err != nil {
			return "", err
		}

		created, err := r.client.SetNX(ctx, credentialKeyPrefix+token, secret, r.opts.TTL).Result()
		if err != nil {
			return "", fmt.Errorf("%w: failed to store credential: %v", domain.ErrBackendUnavailable, err)
		}
		if !created {
			continue
		}

		r.opts.Metrics.CredentialsStored.Inc()
		return token, nil
	}
}

// Consume retorna o segredo no máximo uma vez.
// Falha do Redis é tratada como ausência; o chamador não distingue os casos.
func (r *RedisStore) Consume(ctx context.Context, token string) (string, bool) {
	if token == "" {
		r.opts.Metrics.ObserveCredentialConsume(false)
		return "", false
	}

	secret, err := r.client.GetDel(ctx, credentialKeyPrefix+token).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && r.logger != nil {
			r.logger.WithContext(ctx).Error("Credential store unavailable", err, map[string]interface{}{
				"token": logger.MaskToken(token),
			})
		}
		r.opts.Metrics.ObserveCredentialConsume(false)
		return "", false
	}

	r.opts.Metrics.ObserveCredentialConsume(true)
	return secret, true
}

// Sweep não remove nada: a expiração é feita pelo TTL das chaves
func (r *RedisStore) Sweep(ctx context.Context) int {
	return 0
}
