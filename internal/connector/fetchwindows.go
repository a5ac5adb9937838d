package connector

import "time"

// FetchWindows bounds how far back a connector looks for content on a
// fresh (no prior cursor) run, and how far back it continues looking on
// subsequent runs (spec §6 CLI contract: --msg-fresh-hours,
// --file-fresh-hours, --msg-subsequent-hours, --file-subsequent-hours).
// A zero subsequent window means "no rolling lookback beyond the cursor."
// BotPoller reads only MsgFresh and FileFresh, and only when its stored
// offset is zero; no connector in this package reads MsgSubsequent or
// FileSubsequent.
type FetchWindows struct {
	MsgFresh       time.Duration
	FileFresh      time.Duration
	MsgSubsequent  time.Duration
	FileSubsequent time.Duration
}

// DefaultFetchWindows mirrors the huntx orchestrator's own defaults.
func DefaultFetchWindows() FetchWindows {
	return FetchWindows{
		MsgFresh:  2 * time.Hour,
		FileFresh: 48 * time.Hour,
	}
}
