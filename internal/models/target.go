package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TargetKind identifica o tipo de alvo monitorado
type TargetKind string

const (
	KindProduct  TargetKind = "product"
	KindBrand    TargetKind = "brand"
	KindCategory TargetKind = "category"
	KindKeyword  TargetKind = "keyword"
)

// Valid verifica se o tipo é conhecido
func (k TargetKind) Valid() bool {
	switch k {
	case KindProduct, KindBrand, KindCategory, KindKeyword:
		return true
	}
	return false
}

// Target representa um produto ou um rótulo (marca, categoria, palavra-chave) sendo monitorado
type Target struct {
	ID           int64
	Kind         TargetKind
	URL          string // identificador externo, apenas para produtos
	Label        string // apenas para marca/categoria/palavra-chave
	Title        string
	Brand        string
	Category     string
	CanonicalURL string
	CurrentPrice decimal.NullDecimal
	Currency     string
	Adapter      string // nome do adaptador que resolveu a URL
	LastChecked  time.Time
	Misses       int // falhas permanentes consecutivas (não encontrado / sem adaptador)
	Active       bool
	CreatedAt    time.Time
}

// Scrapable indica se o alvo possui uma URL própria para ser consultada
func (t Target) Scrapable() bool {
	return t.Kind == KindProduct && t.URL != ""
}

// PricePoint é uma amostra imutável de preço observada para um alvo
type PricePoint struct {
	ID         int64
	TargetID   int64
	Price      decimal.Decimal
	Currency   string
	ObservedAt time.Time
	Source     string
}

// PriceChangeEvent é emitido quando um preço cai ou quando um alvo é observado pela primeira vez
type PriceChangeEvent struct {
	TargetID     int64
	PricePointID int64
	OldPrice     decimal.NullDecimal // inválido na primeira observação
	NewPrice     decimal.Decimal
	Currency     string
	ObservedAt   time.Time
}

// FirstObservation indica que não havia preço anterior para comparar
func (e PriceChangeEvent) FirstObservation() bool {
	return !e.OldPrice.Valid
}
