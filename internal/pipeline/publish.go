package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/riftlabs/proxyagg/internal/formatid"
)

// Destination describes one publish target for a route (spec §6).
type Destination struct {
	ChatID          string
	Mode            string
	CaptionTemplate string
	Token           string
}

// Publisher uploads bytes as a document to a destination. Concrete
// transports (Telegram document upload) live outside the core (spec §4.H,
// §6 "Out of scope").
type Publisher interface {
	Upload(ctx context.Context, token, chatID, filename, caption string, data []byte) error
}

// TokenFallback resolves the global fallback tokens the spec's precedence
// rule names: per-destination, then PUBLISH_BOT_TOKEN, then TELEGRAM_TOKEN.
type TokenFallback func() (publishBotToken, telegramToken string)

// PublishStateWriter is the subset of the State Repository the Publish
// Pipeline reads and writes through.
type PublishStateWriter interface {
	GetLastPublishedHash(ctx context.Context, uniqueID string) (string, bool, error)
	MarkPublished(ctx context.Context, uniqueID, hash, metadataJSON string) error
}

// PublishPipeline compares a build result's artifact hash against the last
// published hash and, if changed, uploads it to every configured
// destination, recording success (spec §4.L).
type PublishPipeline struct {
	state     PublishStateWriter
	publisher Publisher
	tokens    TokenFallback
	logger    *slog.Logger
}

// NewPublishPipeline constructs a PublishPipeline.
func NewPublishPipeline(state PublishStateWriter, publisher Publisher, tokens TokenFallback, logger *slog.Logger) *PublishPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishPipeline{state: state, publisher: publisher, tokens: tokens, logger: logger}
}

// Run publishes result to every destination (spec §4.L). State is updated
// only if at least one destination succeeds, preserving retry eligibility.
func (p *PublishPipeline) Run(ctx context.Context, result BuildResult, destinations []Destination) error {
	last, _, err := p.state.GetLastPublishedHash(ctx, result.UniqueID)
	if err != nil {
		return fmt.Errorf("get last published hash for %s: %w", result.UniqueID, err)
	}
	if last == result.ArtifactHash {
		return nil
	}

	sha12 := shortHash(result.Data)
	anySucceeded := false

	for _, dest := range destinations {
		token := p.resolveToken(dest.Token)
		if token == "" {
			p.logger.Warn("no token available for destination, skipping", "unique_id", result.UniqueID, "chat_id", dest.ChatID)
			continue
		}

		caption := renderCaption(dest.CaptionTemplate, result, sha12)
		filename := result.UniqueID + extensionFor(result.Format)

		if err := p.publisher.Upload(ctx, token, dest.ChatID, filename, caption, result.Data); err != nil {
			p.logger.Warn("publish failed", "unique_id", result.UniqueID, "chat_id", dest.ChatID, "error", err)
			continue
		}
		anySucceeded = true
	}

	if !anySucceeded {
		return nil
	}
	return p.state.MarkPublished(ctx, result.UniqueID, result.ArtifactHash, "")
}

func (p *PublishPipeline) resolveToken(destinationToken string) string {
	if destinationToken != "" {
		return destinationToken
	}
	if p.tokens == nil {
		return ""
	}
	publishBot, telegram := p.tokens()
	if publishBot != "" {
		return publishBot
	}
	return telegram
}

func shortHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:12]
}

func renderCaption(template string, result BuildResult, sha12 string) string {
	r := strings.NewReplacer(
		"{timestamp}", time.Now().UTC().Format(time.RFC3339),
		"{sha12}", sha12,
		"{count}", fmt.Sprintf("%d", result.Count),
		"{format}", result.Format,
	)
	return r.Replace(template)
}

// extensionFor chooses a filename extension by format class (spec §4.L).
func extensionFor(format string) string {
	switch {
	case strings.HasSuffix(format, ".decoded.json"):
		return ".json"
	case strings.HasSuffix(format, ".b64sub"):
		return ".txt"
	case formatid.IsBundleFormat(format):
		return ".zip"
	case format == formatid.ConfLines:
		return ".conf"
	default:
		return ".txt"
	}
}
