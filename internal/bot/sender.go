package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/models"
	"monitor-precos/internal/notify"
)

// Sender entrega notificações pelo Telegram. O dono da inscrição é o chat.
type Sender struct {
	api API
}

// NewSender cria o sender
func NewSender(api API) *Sender {
	return &Sender{api: api}
}

// FormatPayload monta a mensagem de promoção em HTML
func FormatPayload(p models.Payload) string {
	var b strings.Builder
	b.WriteString("🎉 <b>PROMOÇÃO DETECTADA!</b>\n\n")
	fmt.Fprintf(&b, "Produto: %s\n", escapeHTML(p.Title))
	if p.OldPrice.Valid {
		fmt.Fprintf(&b, "Preço anterior: %s\n", formatMoney(p.OldPrice.Decimal, p.Currency))
	}
	fmt.Fprintf(&b, "Preço atual: <b>%s</b>\n", formatMoney(p.NewPrice, p.Currency))
	if p.OldPrice.Valid && p.OldPrice.Decimal.IsPositive() {
		pct := p.Delta.Div(p.OldPrice.Decimal).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(&b, "Variação: %s (%s%%)\n", formatMoney(p.Delta, p.Currency), pct.StringFixed(1))
	}
	fmt.Fprintf(&b, "\nLink: %s", escapeHTML(p.URL))
	return b.String()
}

// Send envia o payload ao chat do dono. Um 403 do Telegram (bot bloqueado ou
// chat inexistente) vira notify.ErrRecipientBlocked; o resto, notify.ErrDelivery.
func (s *Sender) Send(ctx context.Context, channel string, ownerID int64, payload models.Payload) error {
	if channel != Channel {
		return errors.Annotatef(notify.ErrRecipientBlocked, "canal %q não atendido", channel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(ownerID, FormatPayload(payload))
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := s.api.Send(msg)

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
		// HTML recusado: tenta sem formatação
		msg.ParseMode = ""
		_, err = s.api.Send(msg)
	}
	if err == nil {
		return nil
	}
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return errors.Annotatef(notify.ErrRecipientBlocked, "chat %d: %s", ownerID, apiErr.Message)
	}
	return errors.Annotatef(notify.ErrDelivery, "chat %d: %v", ownerID, err)
}
