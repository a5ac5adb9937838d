// Package main implements the proxyagg CLI: a single "run" command that
// drives one orchestrator pass over the configured sources and routes
// (spec §6).
//
// Usage:
//
//	proxyagg run --config project_config.yaml [flags]
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
)

// GlobalFlags holds the flags that apply regardless of subcommand (spec
// §6 ambient CLI contract), in the teacher's GlobalFlags shape
// (cmd/cie/main.go).
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		jsonOutput = flag.Bool("json", false, "Output the run summary as JSON")
		noColor    = flag.Bool("no-color", false, "Disable color output")
		verbose    = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet      = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `proxyagg - Telegram-channel proxy-configuration aggregator

Usage:
  proxyagg run [flags]

Flags:
  -c, --config string              path to the route/source config YAML
      --data-dir string             data directory (default ~/.proxyagg/data)
      --db-path string              state database path (default <data-dir>/state/state.db)
      --msg-fresh-hours float        lookback window for text messages on a fresh source (default 2)
      --file-fresh-hours float       lookback window for documents on a fresh source (default 48)
      --msg-subsequent-hours float   rolling re-check window for text messages on repeat runs
      --file-subsequent-hours float  rolling re-check window for documents on repeat runs
      --no-deliver                   build artifacts but skip the publish phase
      --timeout duration              soft deadline for the whole run (e.g. 45m)
      --json                         output the run summary as JSON
      --no-color                     disable color output
  -v, --verbose                     increase verbosity
  -q, --quiet                       suppress non-essential output

`)
	}

	flag.Parse()

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *jsonOutput {
		*quiet = true
	}
	color.NoColor = *noColor || !isatty.IsTerminal(os.Stdout.Fd())

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, Quiet: *quiet}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "run":
		os.Exit(runCommand(args[1:], globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
