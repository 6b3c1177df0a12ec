package main

// ---------------------------------------------------------------------------
// cmd_baseline.go — inspect and reset stored baselines
//
// Rebaselining is deliberately a manual operator action: a diff never
// rewrites the stored baseline on its own.
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/hostguard-project/hostguard/internal/core"
)

func cmdBaseline(args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, baselineUsage)
		os.Exit(2)
	}
	sub := args[0]
	args = args[1:]

	fs := flag.NewFlagSet("baseline "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	var entriesPath *string
	if sub == "reset" {
		entriesPath = fs.String("entries", "", "JSON file of attribute→value entries (default: stdin)")
	}
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}
	store, err := core.NewBaselineStore(cfg.Baseline.Dir, zerolog.Nop())
	if err != nil {
		errorf("opening baseline store: %v", err)
	}

	switch sub {
	case "list":
		domains, err := store.Domains()
		if err != nil {
			errorf("%v", err)
		}
		for _, d := range domains {
			fmt.Println(d)
		}
	case "show":
		if fs.NArg() < 1 {
			errorf("baseline show requires a domain")
		}
		snap, err := store.Load(fs.Arg(0))
		if err != nil {
			errorf("%v", err)
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
	case "reset":
		if fs.NArg() < 1 {
			errorf("baseline reset requires a domain")
		}
		entries, err := readEntries(*entriesPath)
		if err != nil {
			errorf("reading entries: %v", err)
		}
		if err := store.Rebaseline(fs.Arg(0), entries); err != nil {
			errorf("%v", err)
		}
		fmt.Printf("baseline for %q replaced (%d entries)\n", fs.Arg(0), len(entries))
	default:
		fmt.Fprint(os.Stderr, baselineUsage)
		os.Exit(2)
	}
}

func readEntries(path string) (map[string]string, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

const baselineUsage = `Usage:
  hostguard baseline list
  hostguard baseline show <domain>
  hostguard baseline reset <domain> [-entries file.json]
`
