package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Availability descreve a disponibilidade informada pela loja
type Availability string

const (
	InStock    Availability = "in_stock"
	OutOfStock Availability = "out_of_stock"
	Unknown    Availability = "unknown"
)

// ProductSnapshot é o resultado de uma consulta a uma fonte externa
type ProductSnapshot struct {
	Title        string
	Price        decimal.Decimal
	Currency     string
	Availability Availability
	CanonicalURL string
	Brand        string
	Category     string
	ObservedAt   time.Time
}
