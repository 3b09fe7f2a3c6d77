package scraper

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	currencySymbols = []struct{ symbol, code string }{
		{"R$", "BRL"},
		{"US$", "USD"},
		{"$", "USD"},
		{"€", "EUR"},
		{"£", "GBP"},
		{"¥", "JPY"},
		{"₽", "RUB"},
	}
	currencyCode = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|RUB|BRL)\b`)
	priceNumber  = regexp.MustCompile(`\d[\d.,]*`)
)

// parsePrice extrai valor e moeda de textos como "$1,299.99" ou "EUR 49.90".
// Sem símbolo reconhecido a moeda padrão é USD.
func parsePrice(text string) (decimal.Decimal, string, bool) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return decimal.Zero, "", false
	}

	currency := "USD"
	if m := currencyCode.FindString(text); m != "" {
		currency = m
	} else {
		for _, c := range currencySymbols {
			if strings.Contains(text, c.symbol) {
				currency = c.code
				break
			}
		}
	}

	number := priceNumber.FindString(text)
	if number == "" {
		return decimal.Zero, currency, false
	}
	if currency == "BRL" || currency == "EUR" && strings.LastIndex(number, ",") > strings.LastIndex(number, ".") {
		return parseBRL(number), currency, true
	}
	price, err := decimal.NewFromString(strings.ReplaceAll(number, ",", ""))
	if err != nil {
		return decimal.Zero, currency, false
	}
	return price, currency, true
}

// parseBRL interpreta o formato brasileiro: "1.299,90" -> 1299.90
func parseBRL(text string) decimal.Decimal {
	clean := strings.ReplaceAll(text, ".", "")
	clean = strings.ReplaceAll(clean, ",", ".")
	clean = nonNumeric.ReplaceAllString(clean, "")
	price, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero
	}
	return price
}

var nonNumeric = regexp.MustCompile(`[^0-9.]`)
