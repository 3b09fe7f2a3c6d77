package models

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// TriggerType define a condição de disparo de uma inscrição
type TriggerType string

const (
	TriggerThreshold  TriggerType = "threshold"
	TriggerPercentage TriggerType = "percentage"
)

// Trigger é um limite absoluto (Amount) ou uma queda percentual (Percent)
type Trigger struct {
	Type    TriggerType
	Amount  decimal.Decimal
	Percent decimal.Decimal
}

// ThresholdTrigger cria um gatilho por preço alvo
func ThresholdTrigger(amount decimal.Decimal) Trigger {
	return Trigger{Type: TriggerThreshold, Amount: amount}
}

// PercentageTrigger cria um gatilho por queda percentual
func PercentageTrigger(percent decimal.Decimal) Trigger {
	return Trigger{Type: TriggerPercentage, Percent: percent}
}

// Validate verifica os limites do gatilho
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerThreshold:
		if !t.Amount.IsPositive() {
			return errors.NotValidf("preço alvo %s (deve ser positivo)", t.Amount)
		}
	case TriggerPercentage:
		if !t.Percent.IsPositive() || t.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return errors.NotValidf("percentual %s (deve estar entre 0 e 100)", t.Percent)
		}
	default:
		return errors.NotValidf("tipo de gatilho %q", t.Type)
	}
	return nil
}

func (t Trigger) String() string {
	if t.Type == TriggerPercentage {
		return t.Percent.String() + "%"
	}
	return t.Amount.StringFixed(2)
}

// Subscription liga um usuário a um alvo com um gatilho
type Subscription struct {
	ID        int64
	OwnerID   int64
	Kind      TargetKind
	TargetID  int64
	Label     string // copiado do alvo para inscrições por rótulo
	Trigger   Trigger
	Channel   string
	Active    bool
	CreatedAt time.Time
}

// Covers verifica se a inscrição se aplica ao alvo.
// Marca e categoria comparam sem diferenciar maiúsculas; palavra-chave procura no título.
func (s Subscription) Covers(t Target) bool {
	switch s.Kind {
	case KindProduct:
		return s.TargetID == t.ID
	case KindBrand:
		return t.Brand != "" && strings.EqualFold(strings.TrimSpace(t.Brand), s.Label)
	case KindCategory:
		return t.Category != "" && strings.EqualFold(strings.TrimSpace(t.Category), s.Label)
	case KindKeyword:
		return s.Label != "" && strings.Contains(strings.ToLower(t.Title), strings.ToLower(s.Label))
	}
	return false
}

// NormalizeLabel padroniza rótulos antes de gravar
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
