// Package config loads and validates the Aggregator's YAML configuration
// file (spec §6), in the teacher's style (cmd/cie/config.go): read file,
// expand ${VAR} environment references, unmarshal with yaml.v3, validate
// before Phase 1 ever starts.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/riftlabs/proxyagg/internal/appstatus"
	"github.com/riftlabs/proxyagg/internal/formatid"
)

// Config is the root of project_config.yaml (spec §6).
type Config struct {
	Sources    []SourceConfig `yaml:"sources"`
	Publishing Publishing     `yaml:"publishing"`
}

// SourceConfig describes one ingestion source (spec §6).
type SourceConfig struct {
	ID           string              `yaml:"id"`
	Type         string              `yaml:"type"`
	Telegram     *TelegramConfig     `yaml:"telegram,omitempty"`
	TelegramUser *TelegramUserConfig `yaml:"telegram_user,omitempty"`
	Selector     Selector            `yaml:"selector"`
}

// TelegramConfig configures a bot-API polling source.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID string `yaml:"chat_id"`
}

// TelegramUserConfig configures an MTProto user-session source.
type TelegramUserConfig struct {
	APIID   string `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
	Session string `yaml:"session"`
	Peer    string `yaml:"peer"`
}

// Selector is a source's include-only format policy.
type Selector struct {
	IncludeFormats []string `yaml:"include_formats"`
}

// Publishing is the top-level routes block.
type Publishing struct {
	Routes []Route `yaml:"routes"`
}

// Route describes one publishing route (spec §6).
type Route struct {
	Name         string            `yaml:"name"`
	FromSources  []string          `yaml:"from_sources"`
	Formats      []string          `yaml:"formats"`
	Destinations []DestinationYAML `yaml:"destinations"`
}

// DestinationYAML is one publish destination as configured on disk.
type DestinationYAML struct {
	ChatID          string `yaml:"chat_id"`
	Mode            string `yaml:"mode"`
	CaptionTemplate string `yaml:"caption_template"`
	Token           string `yaml:"token,omitempty"`
}

const (
	SourceTypeTelegram     = "telegram"
	SourceTypeTelegramUser = "telegram_user"
)

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads path, expands ${VAR} environment references, parses YAML, and
// validates the result before Phase 1 can ever start (spec §7:
// "Configuration error: Fail before Phase 1").
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, appstatus.NewConfigError(
			"Cannot read configuration file",
			fmt.Sprintf("failed to read %s", path),
			"check the --config path and file permissions",
			err,
		)
	}

	expanded := expandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, appstatus.NewConfigError(
			"Invalid configuration format",
			"YAML parsing failed",
			fmt.Sprintf("fix the syntax error in %s", path),
			err,
		)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv replaces every ${VAR} reference with the environment variable's
// value, leaving unset variables as an empty string (spec §6).
func expandEnv(text string) string {
	return envRefPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks the configuration is internally consistent before any
// pipeline phase runs.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return appstatus.NewConfigError(
			"No sources configured",
			"the sources list is empty",
			"add at least one source to the configuration file",
			nil,
		)
	}

	sourceIDs := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID == "" {
			return appstatus.NewConfigError("Source missing id", "every source requires a non-empty id", "set an id for each source", nil)
		}
		if sourceIDs[s.ID] {
			return appstatus.NewConfigError("Duplicate source id", fmt.Sprintf("source id %q appears more than once", s.ID), "source ids must be unique", nil)
		}
		sourceIDs[s.ID] = true

		switch s.Type {
		case SourceTypeTelegram:
			if s.Telegram == nil {
				return appstatus.NewConfigError("Missing telegram config", fmt.Sprintf("source %q has type telegram but no telegram block", s.ID), "add a telegram: {token, chat_id} block", nil)
			}
		case SourceTypeTelegramUser:
			if s.TelegramUser == nil {
				return appstatus.NewConfigError("Missing telegram_user config", fmt.Sprintf("source %q has type telegram_user but no telegram_user block", s.ID), "add a telegram_user: {api_id, api_hash, session, peer} block", nil)
			}
		default:
			return appstatus.NewConfigError("Unknown source type", fmt.Sprintf("source %q has unrecognized type %q", s.ID, s.Type), "type must be telegram or telegram_user", nil)
		}

		for _, f := range s.Selector.IncludeFormats {
			if f != "all" && !isRegisteredFormat(f) {
				return appstatus.NewConfigError("Unknown format in selector", fmt.Sprintf("source %q references unknown format %q", s.ID, f), "use a registered format id, or \"all\"", nil)
			}
		}
	}

	// Route name uniqueness is intentionally not enforced here: per spec
	// §3, "Name uniqueness is not required."
	for _, r := range c.Publishing.Routes {
		if r.Name == "" {
			return appstatus.NewConfigError("Route missing name", "every route requires a non-empty name", "set a name for each route", nil)
		}

		for _, src := range r.FromSources {
			if !sourceIDs[src] {
				return appstatus.NewConfigError("Route references unknown source", fmt.Sprintf("route %q references undefined source %q", r.Name, src), "from_sources must reference configured source ids", nil)
			}
		}
		for _, f := range r.Formats {
			if !isRegisteredFormat(f) {
				return appstatus.NewConfigError("Route references unknown format", fmt.Sprintf("route %q references unknown format %q", r.Name, f), "formats must be registered format ids", nil)
			}
		}
	}

	return nil
}

func isRegisteredFormat(id string) bool {
	for _, f := range formatid.All {
		if f == id {
			return true
		}
	}
	return false
}

// ResolveToken applies the precedence order for publish tokens: the
// destination field is checked by callers first; this resolves the two
// environment fallbacks (spec §6: "Token precedence: per-destination →
// environment PUBLISH_BOT_TOKEN → environment TELEGRAM_TOKEN").
func ResolveToken() (publishBotToken, telegramToken string) {
	return strings.TrimSpace(os.Getenv("PUBLISH_BOT_TOKEN")), strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN"))
}
