// Package bot é o front-end de chat: recebe comandos do Telegram e entrega as
// notificações de preço.
package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("monitor-precos.bot")

// API é o subconjunto de *tgbotapi.BotAPI usado aqui
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Init inicializa o bot do Telegram
func Init(token string) (*tgbotapi.BotAPI, error) {
	if token == "" {
		return nil, errors.NotValidf("TELEGRAM_BOT_TOKEN não configurado. Verifique o arquivo .env")
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		if err.Error() == "Unauthorized" {
			return nil, errors.Unauthorizedf("token do Telegram inválido ou expirado. Verifique o TELEGRAM_BOT_TOKEN no arquivo .env. Para obter um token, fale com @BotFather no Telegram")
		}
		return nil, errors.Annotate(err, "erro ao conectar com Telegram")
	}

	bot.Debug = false
	logger.Infof("Bot autorizado como: %s", bot.Self.UserName)
	return bot, nil
}

// Bot lê as atualizações do Telegram e responde aos comandos
type Bot struct {
	api              API
	handler          *Handler
	authorizedChatID int64 // zero aceita qualquer chat
}

// New cria o bot. Com authorizedChatID diferente de zero, apenas esse chat pode
// usar comandos além de /start e /help.
func New(api API, handler *Handler, authorizedChatID int64) *Bot {
	return &Bot{api: api, handler: handler, authorizedChatID: authorizedChatID}
}

// Run processa atualizações até o contexto ser cancelado
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, update.Message.Chat.ID, update.Message.Text)
		}
	}
}

// parseCommand separa o comando (sem @botname) dos argumentos
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil
	}
	command := strings.ToLower(parts[0])
	if idx := strings.Index(command, "@"); idx > 0 {
		command = command[:idx]
	}
	return strings.TrimPrefix(command, "/"), parts[1:]
}

func (b *Bot) handleMessage(ctx context.Context, chatID int64, text string) {
	command, args := parseCommand(text)
	if command == "" {
		return
	}

	// Comandos públicos não precisam de autorização
	isPublic := command == "start" || command == "help"
	if !isPublic && b.authorizedChatID != 0 && chatID != b.authorizedChatID {
		b.reply(chatID, 0, "Você não está autorizado a usar este bot.")
		return
	}

	// A consulta imediata pode demorar: mostra um aviso e depois o edita
	waitID := 0
	if command == "check" && len(args) > 0 {
		if sent, err := b.api.Send(tgbotapi.NewMessage(chatID, "⏳ Verificando preço...")); err == nil {
			waitID = sent.MessageID
		}
	}

	response, err := b.handler.OnCommand(ctx, chatID, command, args)
	if err != nil {
		logger.Errorf("Erro no comando /%s do chat %d: %v", command, chatID, err)
	}
	b.reply(chatID, waitID, response)
}

// reply envia a resposta em HTML, editando a mensagem de espera quando houver,
// e tenta sem formatação se o Telegram recusar o HTML.
func (b *Bot) reply(chatID int64, editID int, text string) {
	if editID != 0 {
		edit := tgbotapi.NewEditMessageText(chatID, editID, text)
		edit.ParseMode = tgbotapi.ModeHTML
		_, err := b.api.Send(edit)
		if err == nil {
			return
		}
		logger.Warningf("Erro ao editar mensagem (tentando enviar nova): %v", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(msg); err != nil {
		logger.Warningf("Erro ao enviar mensagem com HTML: %v", err)
		msg.ParseMode = ""
		if _, err := b.api.Send(msg); err != nil {
			logger.Errorf("Erro ao enviar mensagem sem formatação: %v", err)
		}
	}
}
