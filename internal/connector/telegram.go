package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxDocumentBytes mirrors the Python connector's 20MB skip threshold for
// oversized documents.
const maxDocumentBytes = 20 * 1024 * 1024

// BotPoller is a SourceConnector over the Telegram Bot API's long-poll
// getUpdates (spec §4.H). Bot API updates only ever contain messages sent
// after the bot was added to the chat; it cannot retrieve history. That
// limitation is inherent to the transport, not a Ingestion Pipeline
// concern.
type BotPoller struct {
	bot           *tgbotapi.BotAPI
	chatID        int64
	windows       FetchWindows
	client        *http.Client
	pendingOffset int
}

type botPollerState struct {
	Offset int `json:"offset"`
}

// NewBotPoller constructs a BotPoller authenticated with token, scoped to
// one chat.
func NewBotPoller(token string, chatID int64, windows FetchWindows) (*BotPoller, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("new telegram bot: %w", err)
	}
	return &BotPoller{bot: bot, chatID: chatID, windows: windows, client: &http.Client{Timeout: 60 * time.Second}}, nil
}

// ListNew polls getUpdates starting from state's persisted offset, page by
// page, until a page holds fewer than 100 updates, and yields one item per
// text message/caption and per eligible document (spec §4.H).
func (p *BotPoller) ListNew(ctx context.Context, state string, yield func(Item) bool) error {
	prior := decodeBotPollerState(state)
	freshStart := prior.Offset == 0

	var msgCutoff, fileCutoff int64
	if freshStart {
		now := time.Now()
		if p.windows.MsgFresh > 0 {
			msgCutoff = now.Add(-p.windows.MsgFresh).Unix()
		}
		if p.windows.FileFresh > 0 {
			fileCutoff = now.Add(-p.windows.FileFresh).Unix()
		}
	}

	offset := prior.Offset
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cfg := tgbotapi.NewUpdate(offset + 1)
		cfg.Timeout = 2
		cfg.Limit = 100
		cfg.AllowedUpdates = []string{"channel_post", "message"}

		updates, err := p.bot.GetUpdates(cfg)
		if err != nil {
			return fmt.Errorf("get telegram updates: %w", err)
		}
		if len(updates) == 0 {
			break
		}

		for _, u := range updates {
			offset = u.UpdateID
			msg := u.Message
			if msg == nil {
				msg = u.ChannelPost
			}
			if msg == nil || msg.Chat == nil || msg.Chat.ID != p.chatID {
				continue
			}

			text := msg.Text
			if text == "" {
				text = msg.Caption
			}
			if text != "" && int64(msg.Date) >= msgCutoff {
				item := Item{
					ExternalID: strconv.Itoa(msg.MessageID) + "_text",
					Data:       []byte(text),
					Metadata: ItemMetadata{
						Filename:  fmt.Sprintf("msg_%d.txt", msg.MessageID),
						Timestamp: int64(msg.Date),
						IsText:    true,
					},
				}
				if !yield(item) {
					return p.persistOffset(offset)
				}
			}

			if msg.Document != nil && int64(msg.Date) >= fileCutoff && msg.Document.FileSize <= maxDocumentBytes {
				data, err := p.downloadDocument(msg.Document.FileID)
				if err != nil {
					continue // a download failure strands one message, not the whole poll
				}
				item := Item{
					ExternalID: strconv.Itoa(msg.MessageID),
					Data:       data,
					Metadata: ItemMetadata{
						Filename:  msg.Document.FileName,
						Timestamp: int64(msg.Date),
					},
				}
				if !yield(item) {
					return p.persistOffset(offset)
				}
			}
		}

		if len(updates) < 100 {
			break
		}
	}
	return p.persistOffset(offset)
}

func (p *BotPoller) persistOffset(offset int) error {
	p.pendingOffset = offset
	return nil
}

func (p *BotPoller) downloadDocument(fileID string) ([]byte, error) {
	url, err := p.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url for %s: %w", fileID, err)
	}
	resp, err := p.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// GetState returns the offset ListNew advanced to.
func (p *BotPoller) GetState() (string, error) {
	raw, err := json.Marshal(botPollerState{Offset: p.pendingOffset})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ResolveChannelID reports the configured chat's numeric id, letting the
// Orchestrator dedup a channel polled under two differently-configured
// sources.
func (p *BotPoller) ResolveChannelID(ctx context.Context) (string, bool, error) {
	return strconv.FormatInt(p.chatID, 10), true, nil
}

func decodeBotPollerState(raw string) botPollerState {
	var s botPollerState
	if raw == "" || raw == "null" {
		return s
	}
	_ = json.Unmarshal([]byte(raw), &s)
	return s
}

var _ SourceConnector = (*BotPoller)(nil)
var _ ChannelResolver = (*BotPoller)(nil)
