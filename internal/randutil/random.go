// Package randutil gera bytes e tokens criptograficamente seguros.
package randutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"perimeter/internal/domain"
)

// Generator lê entropia de um io.Reader (crypto/rand por padrão)
type Generator struct {
	source io.Reader
}

// New cria um gerador sobre crypto/rand
func New() *Generator {
	return &Generator{source: rand.Reader}
}

// NewWithSource cria um gerador sobre uma fonte específica (usado em testes)
func NewWithSource(source io.Reader) *Generator {
	return &Generator{source: source}
}

// Bytes retorna n bytes aleatórios
func (g *Generator) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.source, b); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRandomSource, err)
	}
	return b, nil
}

// Token retorna n bytes aleatórios em base64 URL-safe sem padding
func (g *Generator) Token(n int) (string, error) {
	b, err := g.Bytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StdToken retorna n bytes aleatórios em base64 padrão (formato usado no nonce de CSP)
func (g *Generator) StdToken(n int) (string, error) {
	b, err := g.Bytes(n)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
