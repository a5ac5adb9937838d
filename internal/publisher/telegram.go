// Package publisher implements the primary publishing endpoint: Telegram
// document upload (spec §4.L, §6). The spec's SourceConnector and
// Publisher boundaries intentionally abstract away transport specifics, so
// only this one concrete implementation lives in the core.
package publisher

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramPublisher uploads build artifacts as documents to Telegram chats.
// It creates one bot client per distinct token, since tokens are resolved
// per-destination (spec §6 token precedence). The orchestrator's publish
// pool calls Upload from several goroutines at once, so client creation is
// guarded by mu.
type TelegramPublisher struct {
	mu      sync.Mutex
	clients map[string]*tgbotapi.BotAPI
}

// NewTelegramPublisher constructs an empty TelegramPublisher; clients are
// created lazily per token on first use.
func NewTelegramPublisher() *TelegramPublisher {
	return &TelegramPublisher{clients: make(map[string]*tgbotapi.BotAPI)}
}

// Upload sends data as a document named filename, with caption, to chatID,
// authenticating with token (spec §4.L step 2).
func (p *TelegramPublisher) Upload(ctx context.Context, token, chatID, filename, caption string, data []byte) error {
	bot, err := p.clientFor(token)
	if err != nil {
		return fmt.Errorf("telegram client for token: %w", err)
	}

	recipient, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}

	doc := tgbotapi.NewDocument(recipient, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = caption

	if _, err := bot.Request(doc); err != nil {
		return fmt.Errorf("upload document to %s: %w", chatID, err)
	}
	return nil
}

func (p *TelegramPublisher) clientFor(token string) (*tgbotapi.BotAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bot, ok := p.clients[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	p.clients[token] = bot
	return bot, nil
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatID, "%d", &id)
	return id, err
}
