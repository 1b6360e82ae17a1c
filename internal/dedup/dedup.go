package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/obertruper/botcore/internal/cerrors"
	"github.com/obertruper/botcore/internal/kvshadow"
	"github.com/obertruper/botcore/internal/obslog"
	"github.com/obertruper/botcore/internal/txn/dialect"
)

// Config controls TTL, eviction, and sweep cadence.
type Config struct {
	TTL             time.Duration
	LocalCacheCap   int
	SweepInterval   time.Duration
	DurableRetained time.Duration
}

// DefaultConfig matches spec.md section 4.2's stated defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		LocalCacheCap:   10000,
		SweepInterval:   time.Hour,
		DurableRetained: 24 * time.Hour,
	}
}

// Stats tracks the counter invariant totalChecks = duplicatesFound +
// uniqueSignals + errorDefaults from spec.md section 4.2.
type Stats struct {
	TotalChecks     int64
	DuplicatesFound int64
	UniqueSignals   int64
	ErrorDefaults   int64
}

// StrategyStats is the same counter pair, scoped to one Signal.Strategy,
// for the per-strategy duplicate-rate gauge signal_deduplicator.py exposes
// for observability (DuplicatesFound/TotalChecks per strategy).
type StrategyStats struct {
	TotalChecks     int64
	DuplicatesFound int64
}

type entry struct {
	fingerprint string
	firstSeen   time.Time
}

// Deduplicator is the Signal Deduplicator (C2): a content-addressed
// idempotency filter over a transient event stream, per spec.md
// section 4.2.
type Deduplicator struct {
	cfg Config
	db  *sql.DB
	dl  dialect.Dialect
	kv  *kvshadow.Store
	log *obslog.Logger

	mu         sync.Mutex
	local      map[string]time.Time
	order      []entry // insertion order, for oldest-10%-eviction
	stats      Stats
	byStrategy map[string]*StrategyStats
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Deduplicator. db and dl back the durable
// signal_fingerprints table; kv may be nil (no remote shadow).
func New(cfg Config, db *sql.DB, dl dialect.Dialect, kv *kvshadow.Store, log *obslog.Logger) *Deduplicator {
	if log == nil {
		log = obslog.Discard()
	}
	return &Deduplicator{
		cfg:        cfg,
		db:         db,
		dl:         dl,
		kv:         kv,
		log:        obslog.Named(log, "dedup"),
		local:      make(map[string]time.Time),
		byStrategy: make(map[string]*StrategyStats),
	}
}

// Start launches the hourly durable-store sweep (spec.md section 4.2's
// "periodic sweep (hourly) purges durable-store rows older than 24h").
func (d *Deduplicator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.sweepLoop(ctx)
}

// Stop cancels the background sweep and waits for it to exit.
func (d *Deduplicator) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Deduplicator) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepDurable(ctx)
		}
	}
}

func (d *Deduplicator) sweepDurable(ctx context.Context) {
	if d.db == nil {
		return
	}
	cutoff := time.Now().Add(-d.cfg.DurableRetained)
	snip := d.dl.DeleteRows("signal_fingerprints", [][]dialect.Condition{
		{{Column: "created_at", Op: "<", Value: cutoff}},
	})
	if _, err := d.db.ExecContext(ctx, snip.SQL, snip.Args...); err != nil {
		d.log.Debug().Err(err).Log("durable sweep failed")
	}
}

// CheckAndRegister implements spec.md section 4.2's lookup chain:
// in-process map, KV shadow EXISTS, durable store query, then insert.
// On any internal error the safe default is fresh (true). Exactly one of
// recordDuplicate/recordUnique/recordError fires per call, and countCheck
// increments TotalChecks exactly once, keeping the totalChecks =
// duplicatesFound + uniqueSignals + errorDefaults invariant intact
// regardless of which stage of the chain resolves the call.
func (d *Deduplicator) CheckAndRegister(ctx context.Context, s Signal) (bool, error) {
	d.countCheck(s.Strategy)

	fp, err := Fingerprint(s)
	if err != nil {
		d.recordError(s.Strategy)
		return true, cerrors.Wrap(cerrors.KindInvalidInput, "dedup.CheckAndRegister", "fingerprint", err)
	}

	now := time.Now()

	// (1) in-process map
	if fresh := d.checkLocal(fp, now); fresh != nil {
		if *fresh {
			d.recordUnique(s.Strategy)
		} else {
			d.recordDuplicate(s.Strategy)
		}
		return *fresh, nil
	}

	// (2) KV shadow
	if d.kv != nil {
		hit, err := d.kv.Exists(ctx, kvKey(fp))
		if err == nil && hit {
			d.cacheLocal(fp, now)
			d.recordDuplicate(s.Strategy)
			return false, nil
		}
	}

	// (3) durable store
	if d.db != nil {
		hit, err := d.queryDurable(ctx, fp, now)
		if err != nil {
			d.recordError(s.Strategy)
			return true, nil
		}
		if hit {
			d.cacheLocal(fp, now)
			d.recordDuplicate(s.Strategy)
			return false, nil
		}

		// (4) insert, mirror, fresh
		if err := d.insertDurable(ctx, fp, now); err != nil {
			d.recordError(s.Strategy)
			return true, nil
		}
	}

	d.cacheLocal(fp, now)
	if d.kv != nil {
		_ = d.kv.SetEx(ctx, kvKey(fp), "1", d.cfg.TTL)
	}
	d.recordUnique(s.Strategy)
	return true, nil
}

func kvKey(fp string) string { return "signal:" + fp }

// checkLocal returns nil if the fingerprint is not in the local cache (or
// has expired there), else a pointer to the freshness verdict (always
// false, since a present, non-expired entry is necessarily a duplicate).
func (d *Deduplicator) checkLocal(fp string, now time.Time) *bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seen, ok := d.local[fp]; ok {
		if now.Sub(seen) <= d.cfg.TTL {
			fresh := false
			return &fresh
		}
		delete(d.local, fp)
	}
	return nil
}

func (d *Deduplicator) cacheLocal(fp string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.local[fp]; !ok {
		d.order = append(d.order, entry{fingerprint: fp, firstSeen: now})
	}
	d.local[fp] = now
	d.evictIfNeededLocked()
}

// evictIfNeededLocked drops the oldest 10% once the cache exceeds its cap,
// per spec.md section 4.2. Caller holds d.mu.
func (d *Deduplicator) evictIfNeededLocked() {
	limit := d.cfg.LocalCacheCap
	if limit <= 0 {
		limit = 10000
	}
	if len(d.local) <= limit {
		return
	}
	sort.Slice(d.order, func(i, j int) bool {
		return d.order[i].firstSeen.Before(d.order[j].firstSeen)
	})
	drop := len(d.order) / 10
	if drop == 0 {
		drop = 1
	}
	for i := 0; i < drop && i < len(d.order); i++ {
		delete(d.local, d.order[i].fingerprint)
	}
	if drop < len(d.order) {
		d.order = d.order[drop:]
	} else {
		d.order = d.order[:0]
	}
}

// countCheck increments TotalChecks, plus the named strategy's TotalChecks.
// Called exactly once per CheckAndRegister invocation, independent of how
// it resolves.
func (d *Deduplicator) countCheck(strategy string) {
	d.mu.Lock()
	d.stats.TotalChecks++
	d.strategyLocked(strategy).TotalChecks++
	d.mu.Unlock()
}

func (d *Deduplicator) recordDuplicate(strategy string) {
	d.mu.Lock()
	d.stats.DuplicatesFound++
	d.strategyLocked(strategy).DuplicatesFound++
	d.mu.Unlock()
}

func (d *Deduplicator) recordUnique(strategy string) {
	d.mu.Lock()
	d.stats.UniqueSignals++
	d.mu.Unlock()
}

func (d *Deduplicator) recordError(strategy string) {
	d.mu.Lock()
	d.stats.ErrorDefaults++
	d.mu.Unlock()
}

// strategyLocked returns (creating if needed) the StrategyStats entry for
// strategy. Caller holds d.mu.
func (d *Deduplicator) strategyLocked(strategy string) *StrategyStats {
	s, ok := d.byStrategy[strategy]
	if !ok {
		s = &StrategyStats{}
		d.byStrategy[strategy] = s
	}
	return s
}

// Stats returns a snapshot honoring totalChecks = duplicatesFound +
// uniqueSignals + errorDefaults.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// StatsByStrategy returns a snapshot of the per-strategy duplicate-rate
// gauge, keyed by Signal.Strategy, for observability only -- it does not
// feed any admission decision.
func (d *Deduplicator) StatsByStrategy() map[string]StrategyStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]StrategyStats, len(d.byStrategy))
	for k, v := range d.byStrategy {
		out[k] = *v
	}
	return out
}

func (d *Deduplicator) queryDurable(ctx context.Context, fp string, now time.Time) (bool, error) {
	cutoff := now.Add(-d.cfg.TTL)
	query := fmt.Sprintf(
		"SELECT 1 FROM signal_fingerprints WHERE fingerprint = %s AND created_at >= %s",
		d.dl.Placeholder(1), d.dl.Placeholder(2),
	)
	row := d.db.QueryRowContext(ctx, query, fp, cutoff)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, err
	}
}

func (d *Deduplicator) insertDurable(ctx context.Context, fp string, now time.Time) error {
	snip := d.dl.InsertRows(
		"signal_fingerprints",
		[]string{"fingerprint", "created_at"},
		[][]any{{fp, now}},
		conflictClause(d.dl),
		nil,
	)
	_, err := d.db.ExecContext(ctx, snip.SQL, snip.Args...)
	return err
}

// conflictClause renders the dialect-appropriate "do nothing on duplicate
// fingerprint" suffix without relying on a shared column-list (the
// uniqueness is on fingerprint alone).
func conflictClause(dl dialect.Dialect) string {
	switch dl.Name() {
	case "mysql":
		return "ON DUPLICATE KEY UPDATE fingerprint = fingerprint"
	default:
		return "ON CONFLICT (fingerprint) DO NOTHING"
	}
}
