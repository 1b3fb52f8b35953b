package domain

import (
	"context"
	"net/http"
	"time"
)

// Clock abstrai a fonte de tempo para permitir testes determinísticos
type Clock interface {
	Now() time.Time
}

// CounterStore define a interface para armazenamento dos contadores do rate limiter
// Implementa o Strategy Pattern: memória (instância única) ou Redis (compartilhado)
type CounterStore interface {
	// Increment incrementa atomicamente o contador de (key, endpoint) na janela corrente
	Increment(ctx context.Context, key, endpoint string, window time.Duration) (CounterWindow, error)

	// Clear remove todas as janelas de uma chave, independente do endpoint
	Clear(ctx context.Context, key string) error

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// RateLimiterService define a interface para o serviço de rate limiting
type RateLimiterService interface {
	// CheckRateLimit registra uma tentativa e informa se ela está dentro do limite
	CheckRateLimit(ctx context.Context, key string, opts RateLimitOptions) *RateLimitResult

	// ClearRateLimit limpa todas as janelas de uma chave
	ClearRateLimit(ctx context.Context, key string) error
}

// CSRFService define a interface do esquema double-submit cookie
type CSRFService interface {
	GenerateToken() (string, error)
	Validate(r *http.Request) bool
	GetToken(r *http.Request) string
	SetCookie(w http.ResponseWriter, token string, r *http.Request)
	RequiresProtection(method string) bool

	// SecureCookies informa se cookies emitidos na requisição devem ter o atributo Secure
	SecureCookies(r *http.Request) bool
}

// CredentialStore define a interface do armazenamento de credenciais de uso único
type CredentialStore interface {
	// Store guarda o segredo e retorna um token opaco
	Store(ctx context.Context, secret string) (string, error)

	// Consume retorna o segredo no máximo uma vez; ausente e já consumido são indistinguíveis
	Consume(ctx context.Context, token string) (string, bool)

	// Sweep remove entradas expiradas e retorna quantas foram removidas
	Sweep(ctx context.Context) int
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
