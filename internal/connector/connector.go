// Package connector declares the SourceConnector contract (spec §4.H): an
// external collaborator supplying items to the Ingestion Pipeline. This
// package holds the interface, a Telegram bot-API polling connector
// (BotPoller) and a test-friendly in-memory implementation (Static); no
// Telegram user-session (MTProto) connector is implemented.
package connector

import "context"

// Item is one unit a connector yields during iteration.
type Item struct {
	ExternalID string
	Data       []byte
	Metadata   ItemMetadata
}

// ItemMetadata carries the optional descriptive fields a connector may
// supply alongside an item's bytes.
type ItemMetadata struct {
	Filename  string
	Timestamp int64
	IsText    bool
}

// SourceConnector supplies a finite, single-pass sequence of items from
// one external source and persists its own cursor state (spec §4.H).
type SourceConnector interface {
	// ListNew iterates new items since the connector's last persisted
	// state. The sequence is finite and single-pass; consumers must
	// tolerate blocking steps inside iteration. yield returning false
	// stops iteration early (mirroring Go 1.23 range-over-func semantics
	// without requiring it).
	ListNew(ctx context.Context, state string, yield func(Item) bool) error

	// GetState returns the connector's current cursor after iteration, so
	// the orchestrator can persist it. Callers should persist state only
	// when iteration completed without error.
	GetState() (string, error)
}

// ChannelResolver is an optional capability a SourceConnector may also
// implement, used for cross-source deduplication (spec §4.H, §4.M).
type ChannelResolver interface {
	ResolveChannelID(ctx context.Context) (string, bool, error)
}
