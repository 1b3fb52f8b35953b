// Package credential guarda segredos efêmeros recuperáveis exatamente uma vez.
package credential

import (
	"context"
	"sync"
	"time"

	"perimeter/internal/clock"
	"perimeter/internal/domain"
	"perimeter/internal/metrics"
	"perimeter/internal/randutil"
)

const (
	// 24 bytes = 192 bits
	tokenBytes = 24

	DefaultTTL   = 5 * time.Minute
	DefaultSweep = time.Minute
)

type record struct {
	secret    string
	createdAt time.Time
}

// Options configura os stores de credencial
type Options struct {
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      domain.Clock
	Random     *randutil.Generator
	Metrics    *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = DefaultSweep
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Random == nil {
		o.Random = randutil.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNop()
	}
	return o
}

// MemoryStore implementa domain.CredentialStore com um map protegido por mutex.
// Consume faz busca e remoção na mesma seção crítica.
type MemoryStore struct {
	mutex   sync.Mutex
	records map[string]record
	opts    Options
	logger  domain.Logger
}

// NewMemoryStore cria o store em memória
func NewMemoryStore(opts Options, logger domain.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Store guarda o segredo sob um token novo
func (m *MemoryStore) Store(ctx context.Context, secret string) (string, error) {
	for {
		token, err := m.opts.Random.Token(tokenBytes)
		if err != nil {
			return "", err
		}

		m.mutex.Lock()
		if _, exists := m.records[token]; exists {
			m.mutex.Unlock()
			continue
		}
		m.records[token] = record{secret: secret, createdAt: m.opts.Clock.Now()}
		outstanding := len(m.records)
		m.mutex.Unlock()

		m.opts.Metrics.CredentialsStored.Inc()
		m.opts.Metrics.CredentialsOutstanding.Set(float64(outstanding))
		return token, nil
	}
}

// Consume retorna o segredo e o remove; chamadas seguintes recebem ("", false)
func (m *MemoryStore) Consume(ctx context.Context, token string) (string, bool) {
	m.mutex.Lock()
	rec, exists := m.records[token]
	if exists {
		delete(m.records, token)
	}
	outstanding := len(m.records)
	m.mutex.Unlock()

	found := exists && m.opts.Clock.Now().Sub(rec.createdAt) < m.opts.TTL

	m.opts.Metrics.ObserveCredentialConsume(found)
	m.opts.Metrics.CredentialsOutstanding.Set(float64(outstanding))
	if !found {
		return "", false
	}
	return rec.secret, true
}

// Sweep remove credenciais expiradas nunca consumidas
func (m *MemoryStore) Sweep(ctx context.Context) int {
	now := m.opts.Clock.Now()

	m.mutex.Lock()
	removed := 0
	for token, rec := range m.records {
		if now.Sub(rec.createdAt) >= m.opts.TTL {
			delete(m.records, token)
			removed++
		}
	}
	outstanding := len(m.records)
	m.mutex.Unlock()

	if removed > 0 {
		m.opts.Metrics.CredentialsSwept.Add(float64(removed))
		if m.logger != nil {
			m.logger.Debug("Expired credentials swept", map[string]interface{}{
				"removed":     removed,
				"outstanding": outstanding,
			})
		}
	}
	m.opts.Metrics.CredentialsOutstanding.Set(float64(outstanding))
	return removed
}

// Len retorna quantas credenciais estão guardadas
func (m *MemoryStore) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.records)
}

// StartJanitor executa Sweep periodicamente até o contexto ser cancelado
func (m *MemoryStore) StartJanitor(ctx context.Context) error {
	return runJanitor(ctx, m.opts.SweepEvery, m)
}

func runJanitor(ctx context.Context, every time.Duration, store domain.CredentialStore) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			store.Sweep(ctx)
		}
	}
}
