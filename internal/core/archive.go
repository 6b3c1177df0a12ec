package core

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ArchiveConfig holds cold archive settings for the events directory.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	RetainFiles  int    `yaml:"retain_files"`  // per-event files kept hot (default 1000)
	RotateBytes  int64  `yaml:"rotate_bytes"`  // rotate archive after N bytes (default 32MB)
	SweepSeconds int    `yaml:"sweep_seconds"` // directory sweep interval (default 60)
}

// Archiver keeps the events directory bounded. On each sweep it folds the
// oldest per-event JSON files beyond the retention count into rolling gzip
// NDJSON archives, then removes the originals. The hot directory stays small
// while nothing is ever lost.
type Archiver struct {
	cfg    ArchiveConfig
	events string
	logger zerolog.Logger

	mu           sync.Mutex
	currentFile  *os.File
	currentGz    *gzip.Writer
	currentPath  string
	currentBytes int64

	eventsArchived int64
	filesRotated   int64
	bytesWritten   int64
}

// NewArchiver creates an archiver folding files from eventsDir into cfg.Dir.
func NewArchiver(cfg ArchiveConfig, eventsDir string, logger zerolog.Logger) (*Archiver, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", cfg.Dir, err)
	}
	if cfg.RetainFiles <= 0 {
		cfg.RetainFiles = 1000
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = 32 * 1024 * 1024
	}
	if cfg.SweepSeconds <= 0 {
		cfg.SweepSeconds = 60
	}
	return &Archiver{
		cfg:    cfg,
		events: eventsDir,
		logger: logger.With().Str("component", "archiver").Logger(),
	}, nil
}

// Start launches the periodic directory sweep.
func (a *Archiver) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(a.cfg.SweepSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Sweep(); err != nil {
					a.logger.Error().Err(err).Msg("archive sweep failed")
				}
			}
		}
	}()
	a.logger.Info().
		Str("dir", a.cfg.Dir).
		Int("retain_files", a.cfg.RetainFiles).
		Msg("archiver started")
}

// Sweep archives every per-event file beyond the retention count, oldest
// first. File names carry the event timestamp, so lexical order is age order.
// Sweeps are serialized: the listing happens under the same lock as the
// archiving so the ticker sweep and the final sweep at Close never archive
// the same file twice.
func (a *Archiver) Sweep() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.events)
	if err != nil {
		return fmt.Errorf("reading events dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "event_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= a.cfg.RetainFiles {
		return nil
	}
	sort.Strings(names)
	excess := names[:len(names)-a.cfg.RetainFiles]

	for _, name := range excess {
		path := filepath.Join(a.events, name)
		if err := a.archiveFileLocked(path); err != nil {
			a.logger.Error().Err(err).Str("file", name).Msg("could not archive event file")
			continue
		}
		if err := os.Remove(path); err != nil {
			a.logger.Warn().Err(err).Str("file", name).Msg("archived but could not remove original")
		}
		a.eventsArchived++
	}
	a.logger.Debug().Int("archived", len(excess)).Msg("archive sweep complete")
	return nil
}

func (a *Archiver) archiveFileLocked(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Per-event files are indented JSON; the archive is one event per line.
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("compacting %s: %w", filepath.Base(path), err)
	}
	line := append(compact.Bytes(), '\n')

	if a.currentFile == nil {
		if err := a.openFileLocked(); err != nil {
			return err
		}
	}
	n, err := a.currentGz.Write(line)
	if err != nil {
		return err
	}
	a.currentBytes += int64(n)
	a.bytesWritten += int64(n)

	if a.currentBytes >= a.cfg.RotateBytes {
		a.rotateLocked()
	}
	return nil
}

func (a *Archiver) openFileLocked() error {
	ts := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(a.cfg.Dir, fmt.Sprintf("events-%s.ndjson.gz", ts))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	a.currentFile = f
	a.currentPath = path
	a.currentBytes = 0
	a.currentGz, _ = gzip.NewWriterLevel(f, gzip.BestSpeed)

	a.logger.Debug().Str("file", filepath.Base(path)).Msg("opened archive file")
	return nil
}

func (a *Archiver) rotateLocked() {
	a.closeLocked()
	a.filesRotated++
}

func (a *Archiver) closeLocked() {
	if a.currentGz != nil {
		a.currentGz.Close()
		a.currentGz = nil
	}
	if a.currentFile != nil {
		a.currentFile.Close()
		a.currentFile = nil
	}
}

// Close runs a final sweep and flushes the open archive file.
func (a *Archiver) Close() {
	if err := a.Sweep(); err != nil {
		a.logger.Error().Err(err).Msg("final archive sweep failed")
	}
	a.mu.Lock()
	a.closeLocked()
	a.mu.Unlock()
}

// Stats returns archiver counters.
func (a *Archiver) Stats() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{
		"events_archived": a.eventsArchived,
		"files_rotated":   a.filesRotated,
		"bytes_written":   a.bytesWritten,
		"current_file":    filepath.Base(a.currentPath),
	}
}
