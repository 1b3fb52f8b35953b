package domain

import "time"

// FallbackPolicy define o comportamento do rate limiter quando o storage compartilhado falha
type FallbackPolicy string

const (
	// FallbackMemory conta localmente, por instância, enquanto o storage compartilhado estiver indisponível
	FallbackMemory FallbackPolicy = "memory"
	// FallbackOpen permite a requisição (prioriza disponibilidade)
	FallbackOpen FallbackPolicy = "open"
	// FallbackClosed nega a requisição (prioriza segurança)
	FallbackClosed FallbackPolicy = "closed"
)

// EmptyAllowListMode define o que uma allow-list vazia significa
type EmptyAllowListMode string

const (
	// AllowAllWhenEmpty libera qualquer IP quando nenhuma entrada está configurada
	AllowAllWhenEmpty EmptyAllowListMode = "allow-all"
	// DenyAllWhenEmpty bloqueia qualquer IP quando nenhuma entrada está configurada
	DenyAllWhenEmpty EmptyAllowListMode = "deny-all"
)

// RateLimitOptions define as regras de uma verificação de rate limit
type RateLimitOptions struct {
	MaxAttempts int           `json:"maxAttempts"`
	Window      time.Duration `json:"window"`
	Endpoint    string        `json:"endpoint"` // ex.: "staff-auth"
}

// CounterWindow representa o estado de uma janela fixa após um incremento
type CounterWindow struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// RateLimitResult representa o resultado de uma verificação de rate limit
type RateLimitResult struct {
	Allowed      bool          `json:"allowed"`
	CurrentCount int           `json:"currentCount"`
	Limit        int           `json:"limit"`
	Remaining    int           `json:"remaining"`
	ResetIn      time.Duration `json:"resetIn"`
	ResetTime    time.Time     `json:"resetTime"`
	Endpoint     string        `json:"endpoint"`
	// Degraded indica que o storage principal falhou e a política de fallback foi aplicada
	Degraded bool `json:"degraded,omitempty"`
}

// RetryAfterSeconds retorna o tempo de espera sugerido em segundos (mínimo 1 quando bloqueado)
func (r *RateLimitResult) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	seconds := int((r.ResetIn + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// PerimeterSummary descreve a postura de segurança carregada, sem revelar entradas da allow-list
type PerimeterSummary struct {
	AllowListMode        EmptyAllowListMode `json:"allowListMode"`
	AllowListEntries     int                `json:"allowListEntries"`
	AllowListSkipped     int                `json:"allowListSkipped"`
	ProtectedPrefixes    []string           `json:"protectedPrefixes"`
	CSPReportOnly        bool               `json:"cspReportOnly"`
	StorageType          string             `json:"storageType"`
	RateLimitFallback    FallbackPolicy     `json:"rateLimitFallback"`
	CredentialTTLSeconds int                `json:"credentialTtlSeconds"`
}
