package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NotificationStatus é o estado de entrega de uma notificação
type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSent    NotificationStatus = "sent"
	StatusFailed  NotificationStatus = "failed"
)

// NotificationRecord é criado pelo matcher e atualizado pelo dispatcher.
// Existe no máximo um registro por par (SubscriptionID, PricePointID).
type NotificationRecord struct {
	ID             int64
	SubscriptionID int64
	TargetID       int64
	PricePointID   int64
	OwnerID        int64
	Channel        string
	OldPrice       decimal.NullDecimal
	NewPrice       decimal.Decimal
	Currency       string
	TriggeredAt    time.Time // observed-at do preço que disparou
	Status         NotificationStatus
	Attempts       int
	LastAttempt    time.Time
	LastError      string
	CreatedAt      time.Time
}

// Payload é o conteúdo entregue ao front-end de chat
type Payload struct {
	Title    string
	OldPrice decimal.NullDecimal
	NewPrice decimal.Decimal
	Delta    decimal.Decimal
	Currency string
	URL      string
}

// NewPayload monta o payload a partir do registro e do alvo
func NewPayload(rec NotificationRecord, target Target) Payload {
	p := Payload{
		Title:    target.Title,
		OldPrice: rec.OldPrice,
		NewPrice: rec.NewPrice,
		Currency: rec.Currency,
		URL:      target.CanonicalURL,
	}
	if p.Title == "" {
		p.Title = "Produto sem nome"
	}
	if p.URL == "" {
		p.URL = target.URL
	}
	if rec.OldPrice.Valid {
		p.Delta = rec.NewPrice.Sub(rec.OldPrice.Decimal)
	}
	return p
}
