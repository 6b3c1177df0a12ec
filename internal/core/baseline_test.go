package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testBaselineStore(t *testing.T) *BaselineStore {
	t.Helper()
	store, err := NewBaselineStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBaselineStore: %v", err)
	}
	return store
}

func TestDiffEntriesClassification(t *testing.T) {
	baseline := map[string]string{
		"alice": "ssh-ed25519 AAAA1",
		"bob":   "ssh-ed25519 BBBB1",
		"carol": "ssh-ed25519 CCCC1",
	}
	current := map[string]string{
		"alice": "ssh-ed25519 AAAA1", // unchanged
		"bob":   "ssh-ed25519 BBBB2", // modified
		"dave":  "ssh-ed25519 DDDD1", // added
	}

	d := DiffEntries(baseline, current)

	if d.Unchanged != 1 {
		t.Errorf("unchanged = %d, want 1", d.Unchanged)
	}
	if got := d.Added["dave"]; got != "ssh-ed25519 DDDD1" {
		t.Errorf("added = %v", d.Added)
	}
	if got := d.Removed["carol"]; got != "ssh-ed25519 CCCC1" {
		t.Errorf("removed = %v", d.Removed)
	}
	mod, ok := d.Modified["bob"]
	if !ok || mod.Old != "ssh-ed25519 BBBB1" || mod.New != "ssh-ed25519 BBBB2" {
		t.Errorf("modified = %v", d.Modified)
	}
}

func TestDiffEntriesIdempotent(t *testing.T) {
	snapshot := map[string]string{"a": "1", "b": "2"}
	first := DiffEntries(snapshot, snapshot)
	second := DiffEntries(snapshot, snapshot)
	if !first.Empty() || !second.Empty() {
		t.Errorf("identical snapshots produced findings: %+v / %+v", first, second)
	}
}

func TestLoadOrCreateFirstRun(t *testing.T) {
	store := testBaselineStore(t)

	snap, created, err := store.LoadOrCreate("ssh_keys", func() (map[string]string, error) {
		return map[string]string{"alice": "key1"}, nil
	})
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("first run should report created")
	}
	if snap.Entries["alice"] != "key1" {
		t.Errorf("entries = %v", snap.Entries)
	}

	// First-run policy: the fresh baseline diffs clean against itself.
	d, err := store.DiffDomain("ssh_keys", map[string]string{"alice": "key1"})
	if err != nil {
		t.Fatalf("DiffDomain: %v", err)
	}
	if !d.Empty() {
		t.Errorf("first-run diff not empty: %+v", d)
	}

	// Second load does not re-capture.
	_, created, err = store.LoadOrCreate("ssh_keys", func() (map[string]string, error) {
		t.Fatal("snapshot function invoked despite existing baseline")
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("existing baseline reported as created")
	}
}

func TestDiffDoesNotMutateBaseline(t *testing.T) {
	store := testBaselineStore(t)

	_, _, err := store.LoadOrCreate("tcc_permissions", func() (map[string]string, error) {
		return map[string]string{"Terminal": "FullDiskAccess"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	drifted := map[string]string{"Terminal": "FullDiskAccess", "Mail": "Camera"}
	for i := 0; i < 2; i++ {
		d, err := store.DiffDomain("tcc_permissions", drifted)
		if err != nil {
			t.Fatal(err)
		}
		// The finding persists across repeated diffs: the baseline did not
		// silently absorb the drift.
		if len(d.Added) != 1 {
			t.Fatalf("diff #%d added = %v", i+1, d.Added)
		}
	}
}

func TestRebaselineReplacesExplicitly(t *testing.T) {
	store := testBaselineStore(t)

	_, _, err := store.LoadOrCreate("cron_jobs", func() (map[string]string, error) {
		return map[string]string{"root": "old-crontab"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Rebaseline("cron_jobs", map[string]string{"root": "new-crontab"}); err != nil {
		t.Fatalf("Rebaseline: %v", err)
	}

	d, err := store.DiffDomain("cron_jobs", map[string]string{"root": "new-crontab"})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Errorf("diff after rebaseline: %+v", d)
	}
}

func TestCorruptBaselineIsHardErrorForDomainOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBaselineStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "ssh_keys.json"), []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.LoadOrCreate("ssh_keys", func() (map[string]string, error) {
		return map[string]string{}, nil
	}); err == nil {
		t.Error("corrupt baseline should surface a hard error, not re-create")
	}

	// Other domains keep working.
	if _, _, err := store.LoadOrCreate("user_accounts", func() (map[string]string, error) {
		return map[string]string{"alice": "501"}, nil
	}); err != nil {
		t.Errorf("healthy domain failed: %v", err)
	}
}

func TestBaselineRejectsPathTraversalDomains(t *testing.T) {
	store := testBaselineStore(t)
	if _, _, err := store.LoadOrCreate("../evil", func() (map[string]string, error) {
		return nil, nil
	}); err == nil {
		t.Error("domain with path separator accepted")
	}
}

func TestBaselineDomains(t *testing.T) {
	store := testBaselineStore(t)
	for _, d := range []string{"ssh_keys", "cron_jobs"} {
		if _, _, err := store.LoadOrCreate(d, func() (map[string]string, error) {
			return map[string]string{}, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	domains, err := store.Domains()
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 2 || domains[0] != "cron_jobs" || domains[1] != "ssh_keys" {
		t.Errorf("domains = %v", domains)
	}
}

func TestLoadOrCreateSnapshotError(t *testing.T) {
	store := testBaselineStore(t)
	wantErr := errors.New("dscl unavailable")
	_, _, err := store.LoadOrCreate("user_accounts", func() (map[string]string, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("snapshot error not surfaced: %v", err)
	}
}
