package scraper

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// FetchErrorKind classifica falhas de consulta
type FetchErrorKind int

const (
	// NotFound: o item não existe mais na fonte
	NotFound FetchErrorKind = iota + 1
	// RateLimited: a fonte pediu para esperar
	RateLimited
	// Transient: falha de rede ou erro 5xx, vale tentar de novo
	Transient
	// Malformed: a resposta não pôde ser interpretada
	Malformed
)

func (k FetchErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// FetchError é o erro retornado por Adapter.Fetch
type FetchError struct {
	Kind       FetchErrorKind
	Reason     string
	RetryAfter time.Duration // sugerido pela fonte em respostas 429
}

func (e *FetchError) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Retryable indica se a consulta deve ser repetida com backoff
func (e *FetchError) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Transient
}

func errNotFound(reason string) error {
	return &FetchError{Kind: NotFound, Reason: reason}
}

func errRateLimited(retryAfter time.Duration) error {
	return &FetchError{Kind: RateLimited, Reason: "limite de requisições da fonte", RetryAfter: retryAfter}
}

func errTransient(format string, args ...any) error {
	return &FetchError{Kind: Transient, Reason: fmt.Sprintf(format, args...)}
}

func errMalformed(format string, args ...any) error {
	return &FetchError{Kind: Malformed, Reason: fmt.Sprintf(format, args...)}
}

// AsFetchError extrai um FetchError da cadeia. Erros desconhecidos são tratados como transitórios.
func AsFetchError(err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: Transient, Reason: err.Error()}
}
