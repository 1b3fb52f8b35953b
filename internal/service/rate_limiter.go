package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"perimeter/internal/clock"
	"perimeter/internal/domain"
	"perimeter/internal/logger"
	"perimeter/internal/metrics"
	"perimeter/internal/storage"
)

const (
	defaultStoreTimeout = 250 * time.Millisecond
	defaultWindow       = time.Minute
)

// RateLimiterConfig define o comportamento do serviço diante de falhas do storage
type RateLimiterConfig struct {
	FallbackPolicy domain.FallbackPolicy
	StoreTimeout   time.Duration
	// Fallback é o contador local usado pela política "memory"; criado se nulo
	Fallback domain.CounterStore
	Clock    domain.Clock
}

// RateLimiterService implementa o rate limiting de janela fixa
// A atomicidade do incremento é responsabilidade do CounterStore
type RateLimiterService struct {
	store    domain.CounterStore
	fallback domain.CounterStore
	policy   domain.FallbackPolicy
	timeout  time.Duration
	clock    domain.Clock
	metrics  *metrics.Metrics
	logger   domain.Logger

	degradedLog *rate.Sometimes
}

// NewRateLimiterService cria uma nova instância do serviço
func NewRateLimiterService(
	store domain.CounterStore,
	config RateLimiterConfig,
	m *metrics.Metrics,
	log domain.Logger,
) (*RateLimiterService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", domain.ErrInvalidConfig)
	}

	policy := config.FallbackPolicy
	if policy == "" {
		policy = domain.FallbackMemory
	}
	switch policy {
	case domain.FallbackMemory, domain.FallbackOpen, domain.FallbackClosed:
	default:
		return nil, fmt.Errorf("%w: unknown fallback policy %q", domain.ErrInvalidConfig, policy)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.System{}
	}

	timeout := config.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	fallback := config.Fallback
	if fallback == nil && policy == domain.FallbackMemory {
		fallback = storage.NewMemoryCounterStore(nil, storage.WithClock(clk))
	}

	if m == nil {
		m = metrics.NewNop()
	}
	if log == nil {
		log = logger.NewLoggerWithOutput("error", "json", io.Discard)
	}

	return &RateLimiterService{
		store:       store,
		fallback:    fallback,
		policy:      policy,
		timeout:     timeout,
		clock:       clk,
		metrics:     m,
		logger:      log,
		degradedLog: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// CheckRateLimit registra uma tentativa para (key, endpoint) e informa se ela está permitida.
// Nunca retorna erro: falhas do storage são resolvidas pela política de fallback.
func (s *RateLimiterService) CheckRateLimit(ctx context.Context, key string, opts domain.RateLimitOptions) *domain.RateLimitResult {
	if opts.Window <= 0 {
		s.logger.Warn("Invalid rate limit window, using default", map[string]interface{}{
			"endpoint": opts.Endpoint,
			"window":   opts.Window.String(),
		})
		opts.Window = defaultWindow
	}

	// O incremento não é desfeito se a requisição for abortada: o contexto do storage
	// não herda o cancelamento da requisição, apenas o próprio timeout.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	win, err := s.store.Increment(storeCtx, key, opts.Endpoint, opts.Window)
	if err != nil {
		return s.degrade(ctx, key, opts, err)
	}

	result := s.buildResult(win, opts, false)
	s.metrics.ObserveRateLimit(opts.Endpoint, result.Allowed)

	if !result.Allowed {
		s.logger.WithContext(ctx).Info("Rate limit exceeded", map[string]interface{}{
			"endpoint":      opts.Endpoint,
			"current_count": result.CurrentCount,
			"limit":         result.Limit,
			"reset_in_ms":   result.ResetIn.Milliseconds(),
		})
	}

	return result
}

// ClearRateLimit remove todas as janelas de uma chave, em qualquer endpoint
func (s *RateLimiterService) ClearRateLimit(ctx context.Context, key string) error {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.store.Clear(storeCtx, key); err != nil {
		return fmt.Errorf("failed to clear rate limit: %w", err)
	}
	if s.fallback != nil {
		if err := s.fallback.Clear(ctx, key); err != nil {
			return fmt.Errorf("failed to clear fallback rate limit: %w", err)
		}
	}

	s.logger.WithContext(ctx).Info("Rate limit reset", map[string]interface{}{
		"key": key,
	})
	return nil
}

// Policy retorna a política de fallback em uso
func (s *RateLimiterService) Policy() domain.FallbackPolicy {
	return s.policy
}

// degrade aplica a política de fallback quando o storage principal falha
func (s *RateLimiterService) degrade(ctx context.Context, key string, opts domain.RateLimitOptions, cause error) *domain.RateLimitResult {
	s.metrics.ObserveDegraded(string(s.policy))
	s.degradedLog.Do(func() {
		s.logger.WithContext(ctx).Error("Counter store unavailable, applying fallback policy", cause, map[string]interface{}{
			"policy":   s.policy,
			"endpoint": opts.Endpoint,
		})
	})

	switch s.policy {
	case domain.FallbackMemory:
		win, err := s.fallback.Increment(ctx, key, opts.Endpoint, opts.Window)
		if err == nil {
			result := s.buildResult(win, opts, true)
			s.metrics.ObserveRateLimit(opts.Endpoint, result.Allowed)
			return result
		}
		s.logger.Error("Fallback counter store failed", err, map[string]interface{}{
			"endpoint": opts.Endpoint,
		})
		return s.fixedResult(opts, false)
	case domain.FallbackOpen:
		return s.fixedResult(opts, true)
	default:
		return s.fixedResult(opts, false)
	}
}

// buildResult calcula o resultado a partir da janela devolvida pelo storage
func (s *RateLimiterService) buildResult(win domain.CounterWindow, opts domain.RateLimitOptions, degraded bool) *domain.RateLimitResult {
	now := s.clock.Now()
	resetTime := win.WindowStart.Add(opts.Window)

	resetIn := resetTime.Sub(now)
	if resetIn < 0 {
		resetIn = 0
	}

	remaining := opts.MaxAttempts - win.Count
	if remaining < 0 {
		remaining = 0
	}

	return &domain.RateLimitResult{
		// Permitido até o limite inclusivo: a tentativa maxAttempts+1 é a primeira negada
		Allowed:      win.Count <= opts.MaxAttempts,
		CurrentCount: win.Count,
		Limit:        opts.MaxAttempts,
		Remaining:    remaining,
		ResetIn:      resetIn,
		ResetTime:    resetTime,
		Endpoint:     opts.Endpoint,
		Degraded:     degraded,
	}
}

// fixedResult produz o resultado das políticas open/closed, sem contagem
func (s *RateLimiterService) fixedResult(opts domain.RateLimitOptions, allowed bool) *domain.RateLimitResult {
	now := s.clock.Now()
	s.metrics.ObserveRateLimit(opts.Endpoint, allowed)

	remaining := 0
	if allowed {
		remaining = opts.MaxAttempts
	}

	return &domain.RateLimitResult{
		Allowed:   allowed,
		Limit:     opts.MaxAttempts,
		Remaining: remaining,
		ResetIn:   opts.Window,
		ResetTime: now.Add(opts.Window),
		Endpoint:  opts.Endpoint,
		Degraded:  true,
	}
}
