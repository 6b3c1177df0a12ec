package core

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type emitRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *emitRecorder) emit(event *Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *emitRecorder) all() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func corrConfig(threshold int) CorrelationConfig {
	return CorrelationConfig{
		WindowSeconds: 60,
		Threshold:     threshold,
	}
}

func offerN(c *Correlator, eventType string, sev Severity, n int) {
	for i := 0; i < n; i++ {
		c.Offer(NewEvent(eventType, sev, "test_producer"))
	}
}

func TestCorrelatorThresholdFiresOnce(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(5), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityMedium, 4)
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("composite fired below threshold: %d", len(got))
	}

	offerN(c, "ids_alert", SeverityHigh, 1)
	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("composite count = %d, want exactly 1", len(got))
	}

	composite := got[0]
	if composite.Type != "correlated_ids_alert" {
		t.Errorf("composite type = %s", composite.Type)
	}
	// One level above the maximum member severity (high).
	if composite.Severity != SeverityCritical {
		t.Errorf("composite severity = %s, want critical", composite.Severity)
	}
	if composite.Source != "correlation_engine" {
		t.Errorf("composite source = %s", composite.Source)
	}
	if composite.Context["member_count"] != 5 {
		t.Errorf("member_count = %v", composite.Context["member_count"])
	}
	ids, ok := composite.Context["member_event_ids"].([]string)
	if !ok || len(ids) != 5 {
		t.Errorf("member_event_ids = %v", composite.Context["member_event_ids"])
	}
}

func TestCorrelatorSeverityCappedAtCritical(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(3), rec.emit, zerolog.Nop())

	offerN(c, "ransomware_activity", SeverityCritical, 3)
	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("composite count = %d", len(got))
	}
	if got[0].Severity != SeverityCritical {
		t.Errorf("escalation past critical: %s", got[0].Severity)
	}
}

func TestCorrelatorOpensFreshBucketAfterClose(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(5), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityLow, 5)
	offerN(c, "ids_alert", SeverityLow, 1)

	stats := c.Stats()
	if stats.IncidentsFired != 1 {
		t.Errorf("incidents = %d, want 1", stats.IncidentsFired)
	}
	if stats.BucketsOpened != 2 {
		t.Errorf("buckets opened = %d, want 2 (threshold close then fresh bucket)", stats.BucketsOpened)
	}
	if stats.OpenBuckets != 1 {
		t.Errorf("open buckets = %d, want the fresh one only", stats.OpenBuckets)
	}
}

func TestCorrelatorKeysDoNotInterfere(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(5), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityLow, 3)
	offerN(c, "dns_request", SeverityLow, 3)

	if got := rec.all(); len(got) != 0 {
		t.Errorf("events of different keys were pooled: %d composites", len(got))
	}
	if stats := c.Stats(); stats.OpenBuckets != 2 {
		t.Errorf("open buckets = %d, want 2", stats.OpenBuckets)
	}
}

func TestCorrelatorPerKeyThreshold(t *testing.T) {
	rec := &emitRecorder{}
	cfg := corrConfig(50)
	cfg.Thresholds = map[string]int{"ssh_key_change": 2}
	c := NewCorrelator(cfg, rec.emit, zerolog.Nop())

	offerN(c, "ssh_key_change", SeverityMedium, 2)
	if got := rec.all(); len(got) != 1 {
		t.Errorf("per-key threshold ignored: %d composites", len(got))
	}
}

func TestCorrelatorSweepExpiresSilently(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(5), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityMedium, 3)
	if stats := c.Stats(); stats.OpenBuckets != 1 {
		t.Fatalf("open buckets = %d", stats.OpenBuckets)
	}

	// Past the 60s window the sweep discards the bucket without emitting.
	c.sweep(time.Now().Add(2 * time.Minute))

	stats := c.Stats()
	if stats.OpenBuckets != 0 {
		t.Errorf("bucket survived its deadline")
	}
	if stats.BucketsExpired != 1 {
		t.Errorf("expired = %d, want 1", stats.BucketsExpired)
	}
	if got := rec.all(); len(got) != 0 {
		t.Errorf("expiry emitted %d composites, want silence", len(got))
	}
}

func TestCorrelatorExpiredBucketReplacedOnOffer(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(5), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityMedium, 3)

	// Force the open bucket past its deadline, then offer again: the stale
	// bucket is discarded and a fresh one opens with a single member.
	shard := c.shardFor("ids_alert")
	shard.mu.Lock()
	shard.buckets["ids_alert"].deadline = time.Now().Add(-time.Second)
	shard.mu.Unlock()

	offerN(c, "ids_alert", SeverityMedium, 4)

	stats := c.Stats()
	if stats.BucketsExpired != 1 {
		t.Errorf("expired = %d, want 1", stats.BucketsExpired)
	}
	// 4 members in the fresh bucket, threshold 5: nothing fired.
	if got := rec.all(); len(got) != 0 {
		t.Errorf("stale members leaked into the fresh bucket: %d composites", len(got))
	}
}

func TestCorrelatorIgnoresComposites(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(2), rec.emit, zerolog.Nop())

	offerN(c, "correlated_ids_alert", SeverityCritical, 5)
	if got := rec.all(); len(got) != 0 {
		t.Errorf("composites were re-correlated: %d", len(got))
	}
}

func TestCorrelatorUpdateConfig(t *testing.T) {
	rec := &emitRecorder{}
	c := NewCorrelator(corrConfig(50), rec.emit, zerolog.Nop())

	offerN(c, "ids_alert", SeverityMedium, 3)
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("composite fired under the old threshold: %d", len(got))
	}

	c.UpdateConfig(CorrelationConfig{WindowSeconds: 60, Threshold: 4})

	// The open bucket already holds 3 members; the new threshold applies to
	// the next offer.
	offerN(c, "ids_alert", SeverityMedium, 1)
	if got := rec.all(); len(got) != 1 {
		t.Errorf("composite count after threshold lowered = %d, want 1", len(got))
	}
}
