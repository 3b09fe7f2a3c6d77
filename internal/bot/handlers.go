package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/models"
	"monitor-precos/internal/monitor"
	"monitor-precos/internal/scraper"
	"monitor-precos/internal/subscriptions"
)

// Channel é o nome do canal gravado nas inscrições criadas pelo bot
const Channel = "telegram"

const historyLimit = 10

// Subscriptions é o serviço de inscrições usado pelos comandos
type Subscriptions interface {
	CreateSubscription(ctx context.Context, ownerID int64, kind models.TargetKind, ref string, trigger models.Trigger, channel string) (models.Subscription, error)
	DeactivateSubscription(ctx context.Context, ownerID, id int64) (subscriptions.Entry, error)
	List(ctx context.Context, ownerID int64) ([]subscriptions.Entry, error)
	History(ctx context.Context, ownerID, id int64, limit int) (subscriptions.Entry, []models.PricePoint, error)
	Check(ctx context.Context, ownerID, id int64) (subscriptions.Entry, monitor.JobResult, error)
}

// Handler traduz comandos de chat em operações de inscrição
type Handler struct {
	subs Subscriptions
}

// NewHandler cria o handler de comandos
func NewHandler(subs Subscriptions) *Handler {
	return &Handler{subs: subs}
}

// escapeHTML escapa caracteres especiais do HTML
func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// formatMoney formata um valor com o símbolo da moeda
func formatMoney(amount decimal.Decimal, currency string) string {
	switch strings.ToUpper(currency) {
	case "BRL":
		return "R$ " + amount.StringFixed(2)
	case "USD":
		return "US$ " + amount.StringFixed(2)
	case "EUR":
		return "€ " + amount.StringFixed(2)
	case "GBP":
		return "£ " + amount.StringFixed(2)
	case "":
		return amount.StringFixed(2)
	}
	return currency + " " + amount.StringFixed(2)
}

// OnCommand executa um comando do usuário e retorna a resposta em HTML. O erro
// só é preenchido para falhas internas; erros de uso viram a própria resposta.
func (h *Handler) OnCommand(ctx context.Context, ownerID int64, command string, args []string) (string, error) {
	switch strings.TrimPrefix(strings.ToLower(command), "/") {
	case "start", "help":
		return helpText, nil
	case "subscribe", "add":
		return h.handleSubscribe(ctx, ownerID, args)
	case "unsubscribe", "remove":
		return h.handleUnsubscribe(ctx, ownerID, args)
	case "list":
		return h.handleList(ctx, ownerID)
	case "check":
		return h.handleCheck(ctx, ownerID, args)
	case "history":
		return h.handleHistory(ctx, ownerID, args)
	}
	return "Comando não reconhecido. Use /help para ver os comandos disponíveis.", nil
}

const helpText = `🤖 <b>Bot de Monitoramento de Preços</b>

<b>Comandos disponíveis:</b>

<b>/subscribe</b> - Monitorar um produto, marca, categoria ou palavra-chave
Uso: /subscribe &lt;URL|brand:X|category:X|keyword:X&gt; &lt;preço_alvo|desconto%&gt;
Exemplo: /subscribe https://mercadolivre.com.br/produto 3000
Exemplo: /subscribe https://www.ebay.com/itm/123456789 15%
Exemplo: /subscribe brand:Sony 500

<b>/list</b> - Listar suas inscrições

<b>/unsubscribe &lt;id&gt;</b> - Remover uma inscrição
Exemplo: /unsubscribe 1

<b>/check &lt;id&gt;</b> - Verificar o preço de um produto agora
Exemplo: /check 1

<b>/history &lt;id&gt;</b> - Últimos preços registrados de um produto

<b>/help</b> - Mostrar esta mensagem de ajuda
`

// userError converte erros de uso em mensagens. Erros desconhecidos são
// devolvidos para serem registrados.
func userError(action string, err error) (string, error) {
	switch {
	case errors.Is(err, scraper.ErrAdapterNotFound):
		return "❌ URL não suportada. Atualmente suportamos Mercado Livre e eBay.", nil
	case errors.Is(err, errors.NotValid):
		return fmt.Sprintf("❌ Dados inválidos: %s", escapeHTML(err.Error())), nil
	case errors.Is(err, errors.NotFound):
		return "❌ Inscrição não encontrada.", nil
	case errors.Is(err, errors.NotSupported):
		return "❌ Este comando vale apenas para inscrições de produto.", nil
	}
	return fmt.Sprintf("❌ Erro ao %s: %s", action, escapeHTML(err.Error())), errors.Trace(err)
}

func parseID(args []string, usage string) (int64, string, bool) {
	if len(args) < 1 {
		return 0, fmt.Sprintf("❌ Formato incorreto.\n\nUso: %s", usage), false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, "❌ ID inválido.", false
	}
	return id, "", true
}

func (h *Handler) handleSubscribe(ctx context.Context, ownerID int64, args []string) (string, error) {
	if len(args) < 2 {
		return "❌ Formato incorreto.\n\nUso: /subscribe &lt;URL|brand:X|category:X|keyword:X&gt; &lt;preço_alvo|desconto%&gt;\n\n" +
			"Exemplo: /subscribe https://mercadolivre.com.br/produto 3000\nExemplo: /subscribe keyword:notebook 15%", nil
	}

	trigger, err := subscriptions.ParseTrigger(args[len(args)-1])
	if err != nil {
		if strings.HasSuffix(args[len(args)-1], "%") {
			return "❌ Desconto inválido. Use um valor entre 0 e 100.", nil
		}
		return "❌ Preço inválido. Use um valor numérico positivo.", nil
	}
	// Rótulos podem ter espaços: "keyword:air fryer 300"
	kind, ref, err := subscriptions.ParseRef(strings.Join(args[:len(args)-1], " "))
	if err != nil {
		return userError("criar inscrição", err)
	}

	sub, err := h.subs.CreateSubscription(ctx, ownerID, kind, ref, trigger, Channel)
	if err != nil {
		return userError("criar inscrição", err)
	}

	var b strings.Builder
	b.WriteString("✅ Inscrição criada com sucesso!\n\n")
	fmt.Fprintf(&b, "🆔 <b>ID: %d</b>\n", sub.ID)
	if kind == models.KindProduct {
		fmt.Fprintf(&b, "🔗 %s\n", escapeHTML(ref))
	} else {
		fmt.Fprintf(&b, "🏷 %s: %s\n", kindName(kind), escapeHTML(sub.Label))
	}
	b.WriteString(describeTrigger(trigger))
	return b.String(), nil
}

func (h *Handler) handleUnsubscribe(ctx context.Context, ownerID int64, args []string) (string, error) {
	id, msg, ok := parseID(args, "/unsubscribe &lt;id&gt;\n\nExemplo: /unsubscribe 1")
	if !ok {
		return msg, nil
	}
	entry, err := h.subs.DeactivateSubscription(ctx, ownerID, id)
	if err != nil {
		return userError("remover inscrição", err)
	}
	return fmt.Sprintf("✅ Inscrição removida: %s", escapeHTML(entryName(entry))), nil
}

func (h *Handler) handleList(ctx context.Context, ownerID int64) (string, error) {
	entries, err := h.subs.List(ctx, ownerID)
	if err != nil {
		return userError("listar inscrições", err)
	}
	if len(entries) == 0 {
		return "📋 Nenhuma inscrição ativa no momento.", nil
	}

	var b strings.Builder
	b.WriteString("📋 <b>Inscrições em Monitoramento:</b>\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "🆔 <b>ID: %d</b>\n", e.Subscription.ID)
		if e.Target.Kind != models.KindProduct {
			fmt.Fprintf(&b, "🏷 %s: %s\n", kindName(e.Target.Kind), escapeHTML(e.Target.Label))
			b.WriteString(describeTrigger(e.Subscription.Trigger))
			b.WriteString("\n")
			continue
		}

		fmt.Fprintf(&b, "📦 %s\n", escapeHTML(entryName(e)))
		if e.Target.CurrentPrice.Valid {
			fmt.Fprintf(&b, "💰 <b>Preço atual: %s</b>\n", formatMoney(e.Target.CurrentPrice.Decimal, e.Target.Currency))
		} else {
			b.WriteString("💰 <b>Preço atual: Não verificado ainda</b>\n")
		}
		b.WriteString(describeTrigger(e.Subscription.Trigger))
		if t := e.Subscription.Trigger; t.Type == models.TriggerThreshold && e.Target.CurrentPrice.Valid {
			if diff := e.Target.CurrentPrice.Decimal.Sub(t.Amount); diff.IsPositive() {
				fmt.Fprintf(&b, "💡 Faltam %s para atingir o preço alvo\n", formatMoney(diff, e.Target.Currency))
			} else {
				b.WriteString("✅ <b>META ATINGIDA!</b>\n")
			}
		}
		if !e.Target.Active {
			b.WriteString("⚠️ Produto indisponível: monitoramento suspenso\n")
		}
		if !e.Target.LastChecked.IsZero() {
			fmt.Fprintf(&b, "🕐 Última verificação: %s\n", e.Target.LastChecked.Format("02/01/2006 15:04"))
		} else {
			b.WriteString("🕐 Última verificação: Nunca\n")
		}
		fmt.Fprintf(&b, "🔗 %s\n\n", escapeHTML(e.Target.URL))
	}
	return b.String(), nil
}

func (h *Handler) handleCheck(ctx context.Context, ownerID int64, args []string) (string, error) {
	id, msg, ok := parseID(args, "/check &lt;id&gt;\n\nExemplo: /check 1")
	if !ok {
		return msg, nil
	}
	entry, res, err := h.subs.Check(ctx, ownerID, id)
	if err != nil {
		return userError("verificar preço", err)
	}

	switch res.Outcome {
	case monitor.OutcomeSuccess:
	case monitor.OutcomeNotFound, monitor.OutcomeDeactivated:
		return "❌ Produto não encontrado na loja.", nil
	case monitor.OutcomeDeferred:
		return "⏳ Muitas consultas a esta loja agora. O preço será verificado no próximo ciclo.", nil
	default:
		return fmt.Sprintf("❌ Não foi possível verificar o preço agora (%s).", res.Outcome), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Produto: %s</b>\n\n", escapeHTML(entryName(entry)))
	if res.Point != nil {
		fmt.Fprintf(&b, "Preço atual: %s\n", formatMoney(res.Point.Price, res.Point.Currency))
	}
	if res.Event != nil && res.Event.OldPrice.Valid {
		old := res.Event.OldPrice.Decimal
		fmt.Fprintf(&b, "Preço anterior: %s\n", formatMoney(old, res.Event.Currency))
		if old.IsPositive() {
			pct := old.Sub(res.Event.NewPrice).Div(old).Mul(decimal.NewFromInt(100))
			fmt.Fprintf(&b, "\n🎉 Desconto de %s%%!\n", pct.StringFixed(1))
		}
	}
	if t := entry.Subscription.Trigger; t.Type == models.TriggerThreshold && res.Point != nil && res.Point.Price.LessThanOrEqual(t.Amount) {
		b.WriteString("\n✅ Produto está abaixo do preço alvo!\n")
	}
	fmt.Fprintf(&b, "Link: %s", escapeHTML(entryURL(entry)))
	return b.String(), nil
}

func (h *Handler) handleHistory(ctx context.Context, ownerID int64, args []string) (string, error) {
	id, msg, ok := parseID(args, "/history &lt;id&gt;\n\nExemplo: /history 1")
	if !ok {
		return msg, nil
	}
	entry, points, err := h.subs.History(ctx, ownerID, id, historyLimit)
	if err != nil {
		return userError("buscar histórico", err)
	}
	if len(points) == 0 {
		return fmt.Sprintf("📈 Nenhum preço registrado ainda para %s.", escapeHTML(entryName(entry))), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📈 <b>Histórico: %s</b>\n\n", escapeHTML(entryName(entry)))
	for _, p := range points {
		fmt.Fprintf(&b, "%s  %s\n", p.ObservedAt.Local().Format("02/01/2006 15:04"), formatMoney(p.Price, p.Currency))
	}
	return b.String(), nil
}

func describeTrigger(t models.Trigger) string {
	if t.Type == models.TriggerPercentage {
		return fmt.Sprintf("🎯 Desconto alvo: %s%%\n", t.Percent.String())
	}
	return fmt.Sprintf("🎯 Preço alvo: %s\n", t.Amount.StringFixed(2))
}

func kindName(kind models.TargetKind) string {
	switch kind {
	case models.KindBrand:
		return "Marca"
	case models.KindCategory:
		return "Categoria"
	case models.KindKeyword:
		return "Palavra-chave"
	}
	return "Produto"
}

func entryName(e subscriptions.Entry) string {
	switch {
	case e.Target.Kind != models.KindProduct:
		return kindName(e.Target.Kind) + " " + e.Target.Label
	case e.Target.Title != "":
		return e.Target.Title
	}
	return e.Target.URL
}

func entryURL(e subscriptions.Entry) string {
	if e.Target.CanonicalURL != "" {
		return e.Target.CanonicalURL
	}
	return e.Target.URL
}
