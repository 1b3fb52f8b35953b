package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"perimeter/internal/csrf"
	"perimeter/internal/domain"

	"github.com/joho/godotenv"
)

// Config representa todas as configurações da aplicação
type Config struct {
	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Storage Configuration
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	StoreTimeout  time.Duration

	// Rate Limiting Configuration
	RateLimitFallback    domain.FallbackPolicy
	RateLimitMaxAttempts int
	RateLimitWindow      time.Duration

	// Perimeter Configuration
	IPAllowList        string
	AllowListEmptyMode domain.EmptyAllowListMode
	ProtectedPrefixes  []string
	StaticPrefixes     []string
	CSPReportOnly      bool
	CSPReportURI       string
	CookieSecure       csrf.SecureMode
	TrustProxyHeaders  bool

	// Credential Configuration
	CredentialTTL   time.Duration
	CredentialSweep time.Duration
}

// ConfigLoader carrega e valida a configuração a partir do ambiente
type ConfigLoader struct {
	config *Config
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig carrega as configurações do .env e das variáveis de ambiente
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Carrega o arquivo .env se existir
	if err := godotenv.Load(); err != nil {
		// Se não encontrar .env, continua com variáveis do sistema
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	c.config = config
	return config, nil
}

// Reload recarrega todas as configurações
func (c *ConfigLoader) Reload() error {
	_, err := c.LoadConfig()
	return err
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		// Server defaults
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		// Logging defaults
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		// Storage defaults
		StorageType:   strings.ToLower(getEnvWithDefault("STORAGE_TYPE", "memory")),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),

		// Perimeter defaults
		IPAllowList:       os.Getenv("IP_ALLOWLIST"),
		ProtectedPrefixes: splitList(getEnvWithDefault("PROTECTED_PATH_PREFIXES", "/api/admin")),
		StaticPrefixes:    splitList(getEnvWithDefault("STATIC_PATH_PREFIXES", "/static/,/assets/,/favicon.ico")),
		CSPReportURI:      getEnvWithDefault("CSP_REPORT_URI", "/api/csp-report"),
	}

	var err error

	if config.RedisDB, err = getIntEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}

	storeTimeoutMs, err := getIntEnv("STORE_TIMEOUT_MS", 250)
	if err != nil {
		return nil, err
	}
	config.StoreTimeout = time.Duration(storeTimeoutMs) * time.Millisecond

	if config.RateLimitMaxAttempts, err = getIntEnv("RATE_LIMIT_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	windowMs, err := getIntEnv("RATE_LIMIT_WINDOW_MS", 900000)
	if err != nil {
		return nil, err
	}
	config.RateLimitWindow = time.Duration(windowMs) * time.Millisecond

	ttlSeconds, err := getIntEnv("CREDENTIAL_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	config.CredentialTTL = time.Duration(ttlSeconds) * time.Second

	sweepSeconds, err := getIntEnv("CREDENTIAL_SWEEP_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	config.CredentialSweep = time.Duration(sweepSeconds) * time.Second

	// Valores que afetam a postura de segurança falham na inicialização
	if config.CSPReportOnly, err = getBoolEnv("CSP_REPORT_ONLY", false); err != nil {
		return nil, err
	}
	if config.TrustProxyHeaders, err = getBoolEnv("TRUST_PROXY_HEADERS", false); err != nil {
		return nil, err
	}
	if config.CookieSecure, err = csrf.ParseSecureMode(os.Getenv("COOKIE_SECURE")); err != nil {
		return nil, err
	}

	config.RateLimitFallback = domain.FallbackPolicy(strings.ToLower(getEnvWithDefault("RATE_LIMIT_FALLBACK", string(domain.FallbackMemory))))
	config.AllowListEmptyMode = domain.EmptyAllowListMode(strings.ToLower(getEnvWithDefault("ALLOWLIST_EMPTY_MODE", string(domain.AllowAllWhenEmpty))))

	// Valida configurações obrigatórias
	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	switch config.StorageType {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: STORAGE_TYPE must be memory or redis", domain.ErrInvalidConfig)
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("%w: REDIS_DB must be between 0 and 15", domain.ErrInvalidConfig)
	}

	if config.StoreTimeout <= 0 {
		return fmt.Errorf("%w: STORE_TIMEOUT_MS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.RateLimitMaxAttempts <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_MAX_ATTEMPTS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_WINDOW_MS must be greater than 0", domain.ErrInvalidConfig)
	}

	switch config.RateLimitFallback {
	case domain.FallbackMemory, domain.FallbackOpen, domain.FallbackClosed:
	default:
		return fmt.Errorf("%w: RATE_LIMIT_FALLBACK must be memory, open or closed", domain.ErrInvalidConfig)
	}

	switch config.AllowListEmptyMode {
	case domain.AllowAllWhenEmpty, domain.DenyAllWhenEmpty:
	default:
		return fmt.Errorf("%w: ALLOWLIST_EMPTY_MODE must be allow-all or deny-all", domain.ErrInvalidConfig)
	}

	if config.CredentialTTL <= 0 {
		return fmt.Errorf("%w: CREDENTIAL_TTL_SECONDS must be greater than 0", domain.ErrInvalidConfig)
	}

	if config.CredentialSweep <= 0 {
		return fmt.Errorf("%w: CREDENTIAL_SWEEP_SECONDS must be greater than 0", domain.ErrInvalidConfig)
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s value: %v", domain.ErrInvalidConfig, key, err)
	}
	return value, nil
}

// getBoolEnv aceita true/false, 1/0, yes/no e on/off; qualquer outro valor é erro
func getBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return defaultValue, nil
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", domain.ErrInvalidConfig, key, raw)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
