package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perimeter/internal/csrf"
	"perimeter/internal/domain"
)

func TestConfigLoader_LoadConfig_Defaults(t *testing.T) {
	loader := NewConfigLoader()
	config, err := loader.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", config.ServerPort)
	assert.Equal(t, "memory", config.StorageType)
	assert.Equal(t, 250*time.Millisecond, config.StoreTimeout)
	assert.Equal(t, domain.FallbackMemory, config.RateLimitFallback)
	assert.Equal(t, 5, config.RateLimitMaxAttempts)
	assert.Equal(t, 15*time.Minute, config.RateLimitWindow)
	assert.Equal(t, "", config.IPAllowList)
	assert.Equal(t, domain.AllowAllWhenEmpty, config.AllowListEmptyMode)
	assert.Equal(t, []string{"/api/admin"}, config.ProtectedPrefixes)
	assert.Equal(t, []string{"/static/", "/assets/", "/favicon.ico"}, config.StaticPrefixes)
	assert.False(t, config.CSPReportOnly)
	assert.Equal(t, "/api/csp-report", config.CSPReportURI)
	assert.Equal(t, csrf.SecureAuto, config.CookieSecure)
	// Sem proxy declarado, X-Forwarded-* é ignorado
	assert.False(t, config.TrustProxyHeaders)
	assert.Equal(t, 5*time.Minute, config.CredentialTTL)
	assert.Equal(t, time.Minute, config.CredentialSweep)

	assert.Same(t, config, loader.GetConfig())
}

func TestConfigLoader_LoadConfig_CustomValues(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("STORE_TIMEOUT_MS", "100")
	t.Setenv("RATE_LIMIT_FALLBACK", "closed")
	t.Setenv("RATE_LIMIT_MAX_ATTEMPTS", "10")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "60000")
	t.Setenv("IP_ALLOWLIST", "10.0.0.0/8, 192.168.1.10")
	t.Setenv("ALLOWLIST_EMPTY_MODE", "deny-all")
	t.Setenv("PROTECTED_PATH_PREFIXES", "/api/admin, /api/staff ,")
	t.Setenv("CSP_REPORT_ONLY", "yes")
	t.Setenv("COOKIE_SECURE", "false")
	t.Setenv("TRUST_PROXY_HEADERS", "1")
	t.Setenv("CREDENTIAL_TTL_SECONDS", "30")

	config, err := NewConfigLoader().LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", config.StorageType)
	assert.Equal(t, 3, config.RedisDB)
	assert.Equal(t, 100*time.Millisecond, config.StoreTimeout)
	assert.Equal(t, domain.FallbackClosed, config.RateLimitFallback)
	assert.Equal(t, 10, config.RateLimitMaxAttempts)
	assert.Equal(t, time.Minute, config.RateLimitWindow)
	assert.Equal(t, "10.0.0.0/8, 192.168.1.10", config.IPAllowList)
	assert.Equal(t, domain.DenyAllWhenEmpty, config.AllowListEmptyMode)
	assert.Equal(t, []string{"/api/admin", "/api/staff"}, config.ProtectedPrefixes)
	assert.True(t, config.CSPReportOnly)
	assert.Equal(t, csrf.SecureNever, config.CookieSecure)
	assert.True(t, config.TrustProxyHeaders)
	assert.Equal(t, 30*time.Second, config.CredentialTTL)
}

func TestConfigLoader_LoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		errorMsg string
	}{
		{"Unknown storage type", "STORAGE_TYPE", "etcd", "STORAGE_TYPE"},
		{"Redis DB out of range", "REDIS_DB", "16", "REDIS_DB"},
		{"Redis DB not a number", "REDIS_DB", "zero", "REDIS_DB"},
		{"Zero store timeout", "STORE_TIMEOUT_MS", "0", "STORE_TIMEOUT_MS"},
		{"Zero max attempts", "RATE_LIMIT_MAX_ATTEMPTS", "0", "RATE_LIMIT_MAX_ATTEMPTS"},
		{"Negative window", "RATE_LIMIT_WINDOW_MS", "-1", "RATE_LIMIT_WINDOW_MS"},
		{"Unknown fallback policy", "RATE_LIMIT_FALLBACK", "sometimes", "RATE_LIMIT_FALLBACK"},
		{"Unknown empty allow-list mode", "ALLOWLIST_EMPTY_MODE", "maybe", "ALLOWLIST_EMPTY_MODE"},
		{"Unparsable CSP flag", "CSP_REPORT_ONLY", "sure", "CSP_REPORT_ONLY"},
		{"Unparsable secure cookie flag", "COOKIE_SECURE", "perhaps", "COOKIE_SECURE"},
		{"Unparsable proxy trust flag", "TRUST_PROXY_HEADERS", "2", "TRUST_PROXY_HEADERS"},
		{"Zero credential TTL", "CREDENTIAL_TTL_SECONDS", "0", "CREDENTIAL_TTL_SECONDS"},
		{"Zero sweep interval", "CREDENTIAL_SWEEP_SECONDS", "0", "CREDENTIAL_SWEEP_SECONDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			config, err := NewConfigLoader().LoadConfig()
			assert.Nil(t, config)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestConfigLoader_MalformedAllowListIsNotFatal(t *testing.T) {
	t.Setenv("IP_ALLOWLIST", "10.0.0.0/8,not-an-ip")

	config, err := NewConfigLoader().LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8,not-an-ip", config.IPAllowList)
}

func TestConfigLoader_Reload(t *testing.T) {
	loader := NewConfigLoader()
	_, err := loader.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, loader.GetConfig().RateLimitMaxAttempts)

	t.Setenv("RATE_LIMIT_MAX_ATTEMPTS", "7")
	require.NoError(t, loader.Reload())
	assert.Equal(t, 7, loader.GetConfig().RateLimitMaxAttempts)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , ,"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,b,"))
}
