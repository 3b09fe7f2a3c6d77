package models

import (
	"testing"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		ok      bool
	}{
		{"preço positivo", ThresholdTrigger(decimal.NewFromInt(90)), true},
		{"preço zero", ThresholdTrigger(decimal.Zero), false},
		{"percentual válido", PercentageTrigger(decimal.NewFromInt(10)), true},
		{"percentual cem", PercentageTrigger(decimal.NewFromInt(100)), true},
		{"percentual acima de cem", PercentageTrigger(decimal.NewFromInt(101)), false},
		{"percentual negativo", PercentageTrigger(decimal.NewFromInt(-5)), false},
		{"tipo desconhecido", Trigger{Type: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, ok esperado %v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, errors.NotValid) {
				t.Errorf("Validate() = %v, esperava erro NotValid", err)
			}
		})
	}
}

func TestSubscriptionCovers(t *testing.T) {
	target := Target{ID: 3, Kind: KindProduct, Title: "Fone Bluetooth Sony WH-1000", Brand: "Sony", Category: "Fones de Ouvido"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"produto mesmo alvo", Subscription{Kind: KindProduct, TargetID: 3}, true},
		{"produto outro alvo", Subscription{Kind: KindProduct, TargetID: 4}, false},
		{"marca", Subscription{Kind: KindBrand, Label: "sony"}, true},
		{"marca parcial não casa", Subscription{Kind: KindBrand, Label: "son"}, false},
		{"categoria", Subscription{Kind: KindCategory, Label: "fones de ouvido"}, true},
		{"palavra-chave", Subscription{Kind: KindKeyword, Label: "bluetooth"}, true},
		{"palavra-chave ausente", Subscription{Kind: KindKeyword, Label: "notebook"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Covers(target); got != tt.want {
				t.Errorf("Covers() = %v, want %v", got, tt.want)
			}
		})
	}

	if (Subscription{Kind: KindBrand, Label: "sony"}).Covers(Target{}) {
		t.Error("alvo sem marca não deveria casar")
	}
}

func TestNewPayload(t *testing.T) {
	rec := NotificationRecord{
		OldPrice: decimal.NewNullDecimal(decimal.NewFromInt(100)),
		NewPrice: decimal.NewFromInt(85),
		Currency: "USD",
	}
	p := NewPayload(rec, Target{URL: "fixture://tv"})
	if !p.Delta.Equal(decimal.NewFromInt(-15)) {
		t.Errorf("Delta = %s, want -15", p.Delta)
	}
	if p.Title != "Produto sem nome" || p.URL != "fixture://tv" {
		t.Errorf("payload = %+v", p)
	}

	first := NewPayload(NotificationRecord{NewPrice: decimal.NewFromInt(50)}, Target{Title: "TV", CanonicalURL: "https://loja/tv"})
	if !first.Delta.IsZero() || first.OldPrice.Valid || first.URL != "https://loja/tv" {
		t.Errorf("primeira observação: %+v", first)
	}
}
