package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ValueChange holds a modified attribute's old and new values for reporting.
type ValueChange[V any] struct {
	Old V `json:"old"`
	New V `json:"new"`
}

// Diff classifies each attribute of a snapshot against a baseline.
type Diff[V comparable] struct {
	Added     map[string]V              `json:"added"`
	Removed   map[string]V              `json:"removed"`
	Modified  map[string]ValueChange[V] `json:"modified"`
	Unchanged int                       `json:"unchanged"`
}

// Empty reports whether the diff contains no findings.
func (d Diff[V]) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// DiffEntries compares current against baseline entry by entry. It is pure:
// neither map is mutated, and identical inputs always produce an empty diff.
func DiffEntries[V comparable](baseline, current map[string]V) Diff[V] {
	d := Diff[V]{
		Added:    make(map[string]V),
		Removed:  make(map[string]V),
		Modified: make(map[string]ValueChange[V]),
	}
	for key, oldVal := range baseline {
		newVal, ok := current[key]
		switch {
		case !ok:
			d.Removed[key] = oldVal
		case newVal != oldVal:
			d.Modified[key] = ValueChange[V]{Old: oldVal, New: newVal}
		default:
			d.Unchanged++
		}
	}
	for key, newVal := range current {
		if _, ok := baseline[key]; !ok {
			d.Added[key] = newVal
		}
	}
	return d
}

// BaselineSnapshot is a domain's last-known-good state.
type BaselineSnapshot struct {
	Domain     string            `json:"domain"`
	CapturedAt Timestamp         `json:"captured_at"`
	Entries    map[string]string `json:"entries"`
}

// BaselineStore persists one baseline file per domain. Baselines are
// read-only once captured: diffing never touches them, and only the
// explicit Rebaseline operation replaces one.
type BaselineStore struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// NewBaselineStore creates the baseline directory if needed.
func NewBaselineStore(dir string, logger zerolog.Logger) (*BaselineStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating baseline dir: %w", err)
	}
	return &BaselineStore{
		dir:    dir,
		logger: logger.With().Str("component", "baseline_store").Logger(),
	}, nil
}

func (s *BaselineStore) path(domain string) (string, error) {
	if domain == "" || strings.ContainsAny(domain, "/\\") {
		return "", fmt.Errorf("invalid baseline domain %q", domain)
	}
	return filepath.Join(s.dir, domain+".json"), nil
}

// load reads a domain's baseline. A missing file returns os.ErrNotExist; a
// file that exists but cannot be parsed is a hard error for that domain.
func (s *BaselineStore) load(domain string) (*BaselineSnapshot, error) {
	path, err := s.path(domain)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap BaselineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("baseline for %q is corrupt: %w", domain, err)
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]string)
	}
	return &snap, nil
}

func (s *BaselineStore) write(snap *BaselineSnapshot) error {
	path, err := s.path(snap.Domain)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling baseline: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing baseline file: %w", err)
	}
	return nil
}

// LoadOrCreate returns the stored baseline for domain, capturing and
// persisting one via snapshotFn when none exists yet. created is true on a
// first run, which by policy yields no findings.
func (s *BaselineStore) LoadOrCreate(domain string, snapshotFn func() (map[string]string, error)) (snap *BaselineSnapshot, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err = s.load(domain)
	if err == nil {
		return snap, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	entries, err := snapshotFn()
	if err != nil {
		return nil, false, fmt.Errorf("capturing baseline for %q: %w", domain, err)
	}
	snap = &BaselineSnapshot{
		Domain:     domain,
		CapturedAt: Now(),
		Entries:    entries,
	}
	if err := s.write(snap); err != nil {
		return nil, false, err
	}
	s.logger.Info().Str("domain", domain).Int("entries", len(entries)).Msg("baseline created")
	return snap, true, nil
}

// DiffDomain compares current against the stored baseline for domain. The
// stored baseline is never modified.
func (s *BaselineStore) DiffDomain(domain string, current map[string]string) (Diff[string], error) {
	s.mu.Lock()
	snap, err := s.load(domain)
	s.mu.Unlock()
	if err != nil {
		return Diff[string]{}, err
	}
	return DiffEntries(snap.Entries, current), nil
}

// Rebaseline replaces the stored baseline for domain. This is only ever
// invoked by an explicit operator action, never automatically from a diff.
func (s *BaselineStore) Rebaseline(domain string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &BaselineSnapshot{
		Domain:     domain,
		CapturedAt: Now(),
		Entries:    entries,
	}
	if err := s.write(snap); err != nil {
		return err
	}
	s.logger.Info().Str("domain", domain).Int("entries", len(entries)).Msg("baseline replaced")
	return nil
}

// Load returns the stored baseline for a domain.
func (s *BaselineStore) Load(domain string) (*BaselineSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(domain)
}

// Domains lists the domains with a stored baseline, sorted.
func (s *BaselineStore) Domains() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading baseline dir: %w", err)
	}
	var domains []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		domains = append(domains, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(domains)
	return domains, nil
}
