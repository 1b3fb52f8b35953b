package storage

import (
	"fmt"
	"strings"

	"perimeter/internal/domain"

	"github.com/go-redis/redis/v8"
)

// StorageType define os tipos de storage disponíveis
type StorageType string

const (
	RedisStorageType  StorageType = "redis"
	MemoryStorageType StorageType = "memory"
)

// StorageConfig contém configurações para criação de storage
type StorageConfig struct {
	Type        StorageType
	RedisConfig *RedisConfig
}

// Backend agrupa o counter store criado e, quando Redis, o cliente compartilhado
// (reaproveitado pelo credential store)
type Backend struct {
	Type     StorageType
	Counters domain.CounterStore
	Redis    *redis.Client
}

// StorageFactory cria instâncias de storage seguindo Strategy Pattern
type StorageFactory struct {
	dial func(cfg *RedisConfig, logger domain.Logger) (*redis.Client, error)
}

// NewStorageFactory cria uma nova instância da factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{dial: NewRedisClient}
}

// CreateBackend cria o storage baseado na configuração
func (f *StorageFactory) CreateBackend(config *StorageConfig, logger domain.Logger, opts ...MemoryOption) (*Backend, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		client, err := f.dial(config.RedisConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis storage: %w", err)
		}
		if logger != nil {
			logger.Info("Redis storage created successfully", map[string]interface{}{
				"host":     config.RedisConfig.Host,
				"port":     config.RedisConfig.Port,
				"database": config.RedisConfig.Database,
			})
		}
		return &Backend{
			Type:     RedisStorageType,
			Counters: NewRedisCounterStore(client, logger),
			Redis:    client,
		}, nil

	default:
		return &Backend{
			Type:     MemoryStorageType,
			Counters: NewMemoryCounterStore(logger, opts...),
		}, nil
	}
}

// GetSupportedTypes retorna os tipos de storage suportados
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	return []StorageType{RedisStorageType, MemoryStorageType}
}

// ValidateConfig valida uma configuração de storage
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch StorageType(strings.ToLower(string(config.Type))) {
	case RedisStorageType:
		return f.validateRedisConfig(config.RedisConfig)
	case MemoryStorageType:
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}
	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}
	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}
	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}
	return nil
}

// BuildStorageConfig constrói a configuração de storage a partir dos valores carregados
func BuildStorageConfig(storageType, redisHost, redisPort, redisPassword string, redisDB int) *StorageConfig {
	config := &StorageConfig{
		Type: StorageType(strings.ToLower(storageType)),
	}

	if config.Type == RedisStorageType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}
