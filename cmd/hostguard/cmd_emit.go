package main

// ---------------------------------------------------------------------------
// cmd_emit.go — producer client: deliver one event over the ingestion socket
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"io"
	"net"
	"os"

	"github.com/hostguard-project/hostguard/internal/core"
)

func cmdEmit(args []string) {
	fs := flag.NewFlagSet("emit", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	eventType := fs.String("type", "", "Event type (required unless reading JSON from stdin)")
	severity := fs.String("severity", "medium", "Severity: low, medium, high, critical")
	source := fs.String("source", "hostguard_cli", "Producer identifier")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}

	payload, err := buildPayload(*eventType, *severity, *source)
	if err != nil {
		errorf("%v", err)
	}

	conn, err := net.Dial("unix", cfg.Ingest.SocketPath)
	if err != nil {
		errorf("connecting to hub socket %s: %v (is the hub up?)", cfg.Ingest.SocketPath, err)
	}
	defer conn.Close()

	// Fire and forget: one newline-terminated event, no response expected.
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		errorf("sending event: %v", err)
	}
}

// buildPayload assembles the wire event either from flags or, when no type
// flag is given, from a complete JSON object on stdin.
func buildPayload(eventType, severity, source string) ([]byte, error) {
	if eventType == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, err
		}
		// Reject multi-line input early; the wire expects one line per event.
		var probe map[string]any
		if err := json.Unmarshal(data, &probe); err != nil {
			return nil, err
		}
		return json.Marshal(probe)
	}

	return json.Marshal(map[string]any{
		"event_type": eventType,
		"severity":   severity,
		"source":     source,
		"context":    map[string]any{},
	})
}
