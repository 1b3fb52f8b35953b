package domain

import "errors"

var (
	// ErrBackendUnavailable indica que o storage compartilhado não respondeu
	ErrBackendUnavailable = errors.New("counter backend unavailable")

	// ErrInvalidConfig indica configuração inválida detectada na inicialização
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrRandomSource indica falha ao ler bytes aleatórios
	ErrRandomSource = errors.New("random source failure")
)
