package storage

import (
	"context"
	"sync"
	"time"

	"perimeter/internal/clock"
	"perimeter/internal/domain"
)

// counterWindow é o estado mutável de uma janela fixa
type counterWindow struct {
	count  int
	start  time.Time
	length time.Duration
}

// MemoryCounterStore implementa a interface domain.CounterStore usando memória
// Uma única instância do processo; o mutex torna leitura+escrita da janela uma seção crítica
type MemoryCounterStore struct {
	windows map[string]map[string]*counterWindow // chave -> endpoint -> janela
	mutex   sync.Mutex
	clock   domain.Clock
	logger  domain.Logger

	cleanupEvery time.Duration
}

// MemoryOption customiza o MemoryCounterStore
type MemoryOption func(*MemoryCounterStore)

// WithClock substitui o relógio (usado em testes)
func WithClock(c domain.Clock) MemoryOption {
	return func(m *MemoryCounterStore) { m.clock = c }
}

// WithCleanupEvery define o intervalo da limpeza periódica
func WithCleanupEvery(d time.Duration) MemoryOption {
	return func(m *MemoryCounterStore) { m.cleanupEvery = d }
}

// NewMemoryCounterStore cria uma nova instância do MemoryCounterStore
func NewMemoryCounterStore(logger domain.Logger, opts ...MemoryOption) *MemoryCounterStore {
	store := &MemoryCounterStore{
		windows:      make(map[string]map[string]*counterWindow),
		clock:        clock.System{},
		logger:       logger,
		cleanupEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(store)
	}

	if logger != nil {
		logger.Info("Memory counter store initialized", nil)
	}

	return store
}

// Increment incrementa o contador para (key, endpoint) e retorna a janela resultante
func (m *MemoryCounterStore) Increment(ctx context.Context, key, endpoint string, window time.Duration) (domain.CounterWindow, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now()

	endpoints, exists := m.windows[key]
	if !exists {
		endpoints = make(map[string]*counterWindow)
		m.windows[key] = endpoints
	}

	w, exists := endpoints[endpoint]
	if !exists || now.Sub(w.start) >= window {
		// Nova janela: contador e início são trocados juntos
		w = &counterWindow{start: now}
		endpoints[endpoint] = w
	}
	w.length = window
	w.count++

	return domain.CounterWindow{Count: w.count, WindowStart: w.start}, nil
}

// Clear remove todas as janelas de uma chave
func (m *MemoryCounterStore) Clear(ctx context.Context, key string) error {
	m.mutex.Lock()
	removed := len(m.windows[key])
	delete(m.windows, key)
	m.mutex.Unlock()

	if m.logger != nil {
		m.logger.Debug("Counter windows cleared", map[string]interface{}{
			"operation": "CLEAR",
			"windows":   removed,
		})
	}
	return nil
}

// Health verifica se o storage está saudável
func (m *MemoryCounterStore) Health(ctx context.Context) error {
	if m.logger != nil {
		m.logger.Debug("Memory counter store health check", m.GetStats())
	}
	return nil
}

// Close descarta todas as janelas
func (m *MemoryCounterStore) Close() error {
	m.mutex.Lock()
	m.windows = make(map[string]map[string]*counterWindow)
	m.mutex.Unlock()

	if m.logger != nil {
		m.logger.Info("Memory counter store closed", nil)
	}
	return nil
}

// StartJanitor remove janelas expiradas periodicamente até o contexto ser cancelado
func (m *MemoryCounterStore) StartJanitor(ctx context.Context) error {
	if m.cleanupEvery <= 0 {
		return nil
	}

	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// CleanupExpired remove janelas cujo fim já passou e retorna quantas foram removidas
func (m *MemoryCounterStore) CleanupExpired() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock.Now()
	removed := 0

	for key, endpoints := range m.windows {
		for endpoint, w := range endpoints {
			if now.Sub(w.start) >= w.length {
				delete(endpoints, endpoint)
				removed++
			}
		}
		if len(endpoints) == 0 {
			delete(m.windows, key)
		}
	}

	if removed > 0 && m.logger != nil {
		m.logger.Debug("Memory counter store cleanup completed", map[string]interface{}{
			"removed_windows": removed,
		})
	}

	return removed
}

// GetStats retorna estatísticas do storage em memória
func (m *MemoryCounterStore) GetStats() map[string]interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	windows := 0
	for _, endpoints := range m.windows {
		windows += len(endpoints)
	}

	return map[string]interface{}{
		"keys":    len(m.windows),
		"windows": windows,
		"type":    "memory",
	}
}
