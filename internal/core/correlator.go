package core

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const correlatorShards = 16

// EmitFunc receives composite events synthesized by the correlator and is
// expected to feed them back through the normal accept path.
type EmitFunc func(*Event)

// Correlator groups accepted events into time-windowed buckets by their
// correlation key (the event type). When a bucket crosses its threshold
// within the window, a composite incident event of elevated severity is
// synthesized and the bucket closes. Buckets that reach their deadline
// without crossing the threshold are discarded silently — deliberate
// false-positive suppression.
//
// The bucket map is sharded so unrelated keys never contend on one lock.
type Correlator struct {
	logger zerolog.Logger
	emit   EmitFunc

	shards [correlatorShards]bucketShard

	cfgMu            sync.RWMutex
	window           time.Duration
	defaultThreshold int
	thresholds       map[string]int

	sweepInterval time.Duration

	opened  atomic.Int64
	emitted atomic.Int64
	expired atomic.Int64
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket is the open window for one correlation key. At most one bucket is
// open per key at any time.
type bucket struct {
	key      string
	members  []*Event
	openedAt time.Time
	deadline time.Time
}

// CorrelatorStats is a snapshot of correlator counters.
type CorrelatorStats struct {
	OpenBuckets    int   `json:"open_buckets"`
	BucketsOpened  int64 `json:"buckets_opened"`
	IncidentsFired int64 `json:"incidents_fired"`
	BucketsExpired int64 `json:"buckets_expired"`
}

// NewCorrelator creates a correlator. Window and threshold defaults apply
// when the config leaves them zero; per-key thresholds override the default.
func NewCorrelator(cfg CorrelationConfig, emit EmitFunc, logger zerolog.Logger) *Correlator {
	c := &Correlator{
		logger:           logger.With().Str("component", "correlator").Logger(),
		emit:             emit,
		window:           cfg.Window(),
		defaultThreshold: cfg.Threshold,
		thresholds:       cfg.Thresholds,
		sweepInterval:    cfg.SweepEvery(),
	}
	if c.defaultThreshold <= 0 {
		c.defaultThreshold = 50
	}
	for i := range c.shards {
		c.shards[i].buckets = make(map[string]*bucket)
	}
	return c
}

func (c *Correlator) shardFor(key string) *bucketShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%correlatorShards]
}

func (c *Correlator) thresholdFor(key string) int {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	if t, ok := c.thresholds[key]; ok && t > 0 {
		return t
	}
	return c.defaultThreshold
}

func (c *Correlator) windowFor() time.Duration {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.window
}

// UpdateConfig applies new window and threshold settings. Buckets already
// open keep the deadline they were opened with; the sweep interval is fixed
// at construction.
func (c *Correlator) UpdateConfig(cfg CorrelationConfig) {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 50
	}
	c.cfgMu.Lock()
	c.window = cfg.Window()
	c.defaultThreshold = threshold
	c.thresholds = cfg.Thresholds
	c.cfgMu.Unlock()
}

// Offer feeds an accepted event into the correlation window for its key.
// Composite events are never themselves correlated.
func (c *Correlator) Offer(event *Event) {
	if event.IsCorrelated() {
		return
	}

	key := event.Type
	shard := c.shardFor(key)
	now := time.Now()

	shard.mu.Lock()
	b := shard.buckets[key]
	if b != nil && now.After(b.deadline) {
		// Expired without reaching threshold: discard silently and let this
		// event open a fresh bucket.
		delete(shard.buckets, key)
		c.expired.Add(1)
		b = nil
	}
	if b == nil {
		b = &bucket{
			key:      key,
			openedAt: now,
			deadline: now.Add(c.windowFor()),
		}
		shard.buckets[key] = b
		c.opened.Add(1)
	}
	b.members = append(b.members, event)

	var composite *Event
	if len(b.members) >= c.thresholdFor(key) {
		composite = c.synthesize(b)
		delete(shard.buckets, key)
	}
	shard.mu.Unlock()

	if composite != nil {
		c.emitted.Add(1)
		c.logger.Warn().
			Str("correlation_key", key).
			Int("members", len(b.members)).
			Str("severity", composite.Severity.String()).
			Msg("correlation threshold reached, incident synthesized")
		if c.emit != nil {
			c.emit(composite)
		}
	}
}

// synthesize builds the composite incident event for a threshold-met bucket.
func (c *Correlator) synthesize(b *bucket) *Event {
	maxSev := SeverityLow
	memberIDs := make([]string, 0, len(b.members))
	for _, m := range b.members {
		if m.Severity > maxSev {
			maxSev = m.Severity
		}
		memberIDs = append(memberIDs, m.ID)
	}

	composite := NewEvent(CorrelatedTypePrefix+b.key, maxSev.Escalate(), "correlation_engine")
	composite.Context["correlation_key"] = b.key
	composite.Context["member_count"] = len(b.members)
	composite.Context["member_event_ids"] = memberIDs
	composite.Context["window_opened_at"] = b.openedAt.UTC().Format(TimeLayout)
	return composite
}

// Start launches the background sweeper that expires stale buckets.
func (c *Correlator) Start(ctx context.Context) {
	go c.sweepLoop(ctx)
	c.cfgMu.RLock()
	window, threshold := c.window, c.defaultThreshold
	c.cfgMu.RUnlock()
	c.logger.Info().
		Dur("window", window).
		Int("default_threshold", threshold).
		Msg("correlator started")
}

func (c *Correlator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

// sweep discards every bucket past its deadline. No event is emitted.
func (c *Correlator) sweep(now time.Time) {
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for key, b := range shard.buckets {
			if now.After(b.deadline) {
				delete(shard.buckets, key)
				c.expired.Add(1)
				c.logger.Debug().Str("correlation_key", key).Int("members", len(b.members)).Msg("bucket expired")
			}
		}
		shard.mu.Unlock()
	}
}

// Stats returns a snapshot of correlator counters.
func (c *Correlator) Stats() CorrelatorStats {
	open := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		open += len(shard.buckets)
		shard.mu.Unlock()
	}
	return CorrelatorStats{
		OpenBuckets:    open,
		BucketsOpened:  c.opened.Load(),
		IncidentsFired: c.emitted.Load(),
		BucketsExpired: c.expired.Load(),
	}
}
