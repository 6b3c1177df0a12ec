package main

// ---------------------------------------------------------------------------
// main.go — command dispatcher for the hostguard CLI
//
// This file is intentionally slim. Command implementations live in their
// own files (cmd_*.go); shared helpers are in helpers.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

var (
	version   = "0.3.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V", "version":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			printUsage(os.Stdout)
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	switch subcmd {
	case "up":
		cmdUp(args)
	case "emit":
		cmdEmit(args)
	case "tail":
		cmdTail(args)
	case "baseline":
		cmdBaseline(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", subcmd)
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "hostguard %s (%s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `hostguard — host security event hub

Usage:
  hostguard <command> [flags]

Commands:
  up        Run the event hub (ingestion, correlation, broadcast)
  emit      Send one event to a running hub over the ingestion socket
  tail      Follow the broadcast stream of a running hub
  baseline  Inspect or reset stored baselines
  version   Print version information
  help      Show this help

Run 'hostguard <command> -h' for command flags.
`)
}
