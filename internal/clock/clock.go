// Package clock fornece a fonte de tempo usada pelos componentes do perímetro.
package clock

import (
	"sync"
	"time"
)

// System usa o relógio do sistema operacional
type System struct{}

// Now retorna o horário atual
func (System) Now() time.Time {
	return time.Now()
}

// Fake é um relógio manual para testes
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake cria um relógio parado no instante informado
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now retorna o instante atual do relógio falso
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance avança o relógio
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set posiciona o relógio em um instante específico
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
