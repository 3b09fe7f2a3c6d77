package scraper

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"monitor-precos/internal/models"
)

var logger = loggo.GetLogger("monitor-precos.scraper")

// ErrAdapterNotFound é retornado quando nenhum adaptador aceita o identificador
const ErrAdapterNotFound = errors.ConstError("nenhum adaptador encontrado")

// Adapter define a interface para fontes de preço de diferentes lojas.
// Adaptadores não guardam dados de negócio (histórico, inscrições).
type Adapter interface {
	Name() string
	CanHandle(identifier string) bool
	Fetch(ctx context.Context, identifier string) (models.ProductSnapshot, error)
}

// Registry mantém um registro de todos os adaptadores disponíveis.
// A ordem de registro é a ordem de prioridade: lojas específicas antes dos genéricos.
type Registry struct {
	adapters []Adapter
}

// NewRegistry cria um novo registro de adaptadores
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adiciona um adaptador ao final da lista de prioridade
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.adapters = append(r.adapters, a)
	logger.Debugf("adaptador registrado: %s", a.Name())
}

// Resolve encontra o adaptador apropriado para um identificador
func (r *Registry) Resolve(identifier string) (Adapter, error) {
	identifier = strings.TrimSpace(identifier)
	for _, a := range r.adapters {
		if a.CanHandle(identifier) {
			return a, nil
		}
	}
	return nil, errors.Annotatef(ErrAdapterNotFound, "%q", identifier)
}

// Names retorna os nomes dos adaptadores em ordem de prioridade
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Name())
	}
	return names
}

func hostMatches(identifier string, domains ...string) bool {
	id := strings.ToLower(identifier)
	for _, d := range domains {
		if strings.Contains(id, d) {
			return true
		}
	}
	return false
}
