package main

// ---------------------------------------------------------------------------
// cmd_tail.go — consumer client: follow the broadcast stream
// ---------------------------------------------------------------------------

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/hostguard-project/hostguard/internal/core"
)

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", "", "Config file path")
	types := fs.String("type", "", "Comma-separated event types to keep")
	minSeverity := fs.String("min-severity", "", "Drop events below this severity")
	raw := fs.Bool("raw", false, "Print raw JSON frames instead of the summary line")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Broadcast.Host, cfg.Broadcast.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		errorf("connecting to broadcast %s: %v (is the hub up?)", addr, err)
	}
	defer conn.Close()

	if *types != "" || *minSeverity != "" {
		filter := map[string]any{}
		if *types != "" {
			filter["types"] = strings.Split(*types, ",")
		}
		if *minSeverity != "" {
			filter["min_severity"] = *minSeverity
		}
		frame, _ := json.Marshal(filter)
		if _, err := conn.Write(append(frame, '\n')); err != nil {
			errorf("sending filter: %v", err)
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if *raw {
			fmt.Println(scanner.Text())
			continue
		}
		event, err := core.UnmarshalEvent(scanner.Bytes())
		if err != nil {
			fmt.Fprintf(os.Stderr, "unparseable frame: %v\n", err)
			continue
		}
		fmt.Printf("%s  %-8s  %-24s  %s  %s\n",
			event.Timestamp.UTC().Format(core.TimeLayout),
			event.Severity,
			event.Type,
			event.Source,
			event.ID)
	}
	if err := scanner.Err(); err != nil {
		errorf("stream closed: %v", err)
	}
}
