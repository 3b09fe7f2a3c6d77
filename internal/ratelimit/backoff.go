package ratelimit

import (
	"sync"
	"time"

	"github.com/juju/retry"
)

// Backoffs guarda o estado de backoff exponencial de cada alvo.
// O intervalo da n-ésima falha é base * 2^(n-1) com ±20% de jitter, nunca
// abaixo de base nem acima de max.
type Backoffs struct {
	strategy func(time.Duration, int) time.Duration

	mu       sync.Mutex
	failures map[int64]int
}

// NewBackoffs cria o controlador
func NewBackoffs(base, max time.Duration) *Backoffs {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoffs{
		strategy: retry.ExpBackoff(base, max, 2, true),
		failures: make(map[int64]int),
	}
}

// Next registra uma falha do alvo e retorna quanto esperar antes da próxima tentativa
func (b *Backoffs) Next(targetID int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures[targetID]++
	return b.strategy(0, b.failures[targetID]-1)
}

// Failures retorna o número de falhas consecutivas do alvo
func (b *Backoffs) Failures(targetID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[targetID]
}

// Reset volta o alvo ao intervalo base após uma consulta bem-sucedida
func (b *Backoffs) Reset(targetID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, targetID)
}
