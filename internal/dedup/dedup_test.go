package dedup

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/botcore/internal/txn/dialect"
)

func strengthOf(v float64) *float64 { return &v }

func TestCheckAndRegister_FirstCallIsFresh(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil, nil)
	sig := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: time.Now().Unix()}

	fresh, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, fresh)

	stats := d.Stats()
	require.EqualValues(t, 1, stats.UniqueSignals)
	require.EqualValues(t, 0, stats.DuplicatesFound)
}

func TestCheckAndRegister_SecondCallWithinTTLIsDuplicate(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil, nil)
	sig := Signal{Symbol: "ETH-USD", Direction: "short", Strategy: "meanrev", Timestamp: time.Now().Unix(), Strength: strengthOf(0.55)}

	fresh1, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, fresh1)

	fresh2, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.False(t, fresh2)

	stats := d.Stats()
	require.EqualValues(t, 1, stats.UniqueSignals)
	require.EqualValues(t, 1, stats.DuplicatesFound)
	require.Equal(t, stats.TotalChecks, stats.DuplicatesFound+stats.UniqueSignals+stats.ErrorDefaults)
}

func TestCheckAndRegister_MinuteBucketCollapsesNearDuplicates(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil, nil)
	base := time.Now().Truncate(time.Minute)
	sig1 := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: base.Unix()}
	sig2 := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: base.Unix() + 30}

	fresh1, err := d.CheckAndRegister(context.Background(), sig1)
	require.NoError(t, err)
	require.True(t, fresh1)

	fresh2, err := d.CheckAndRegister(context.Background(), sig2)
	require.NoError(t, err)
	require.False(t, fresh2)
}

func TestCheckAndRegister_DifferentStrategyIsDistinctSignal(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil, nil)
	ts := time.Now().Unix()
	sigA := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: ts}
	sigB := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "meanrev", Timestamp: ts}

	freshA, err := d.CheckAndRegister(context.Background(), sigA)
	require.NoError(t, err)
	require.True(t, freshA)

	freshB, err := d.CheckAndRegister(context.Background(), sigB)
	require.NoError(t, err)
	require.True(t, freshB)
}

func TestCheckAndRegister_TTLExpiryAllowsRefresh(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Millisecond
	d := New(cfg, nil, nil, nil, nil)
	sig := Signal{Symbol: "SOL-USD", Direction: "long", Strategy: "breakout", Timestamp: time.Now().Unix()}

	fresh1, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, fresh1)

	time.Sleep(20 * time.Millisecond)

	fresh2, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, fresh2)
}

func TestDeduplicator_EvictsOldestTenPercentAtCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalCacheCap = 10
	d := New(cfg, nil, nil, nil, nil)

	for i := 0; i < 11; i++ {
		sig := Signal{Symbol: "PAIR", Direction: "long", Strategy: "s", Timestamp: int64(i * 120)}
		_, err := d.CheckAndRegister(context.Background(), sig)
		require.NoError(t, err)
	}

	d.mu.Lock()
	size := len(d.local)
	d.mu.Unlock()
	require.Equal(t, 10, size)
}

// TestCheckAndRegister_DurableStoreErrorKeepsInvariantIntact exercises the
// previously-untested path where the local cache and KV shadow both miss
// and the durable-store query itself fails: CheckAndRegister must still
// default to fresh (true) and the totalChecks = duplicatesFound +
// uniqueSignals + errorDefaults invariant must hold -- i.e. the durable
// error must count once toward ErrorDefaults, not double-count
// TotalChecks on top of the one countCheck() already recorded.
func TestCheckAndRegister_DurableStoreErrorKeepsInvariantIntact(t *testing.T) {
	db, err := sql.Open("mysql", "root:root@tcp(127.0.0.1:1)/dedup_test")
	require.NoError(t, err)
	require.NoError(t, db.Close()) // closed DB: every call below fails with "sql: database is closed", not sql.ErrNoRows

	d := New(DefaultConfig(), db, dialect.MySQL{}, nil, nil)
	sig := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: time.Now().Unix()}

	fresh, err := d.CheckAndRegister(context.Background(), sig)
	require.NoError(t, err)
	require.True(t, fresh, "a durable-store error must default to fresh, per spec.md section 4.2")

	stats := d.Stats()
	require.EqualValues(t, 1, stats.TotalChecks)
	require.EqualValues(t, 1, stats.ErrorDefaults)
	require.EqualValues(t, 0, stats.UniqueSignals)
	require.EqualValues(t, 0, stats.DuplicatesFound)
	require.Equal(t, stats.TotalChecks, stats.DuplicatesFound+stats.UniqueSignals+stats.ErrorDefaults)
}

func TestStatsByStrategy_TracksDuplicateRatePerStrategy(t *testing.T) {
	d := New(DefaultConfig(), nil, nil, nil, nil)
	ts := time.Now().Unix()

	momentum := Signal{Symbol: "BTC-USD", Direction: "long", Strategy: "momentum", Timestamp: ts}
	meanrev := Signal{Symbol: "ETH-USD", Direction: "short", Strategy: "meanrev", Timestamp: ts}

	_, err := d.CheckAndRegister(context.Background(), momentum)
	require.NoError(t, err)
	_, err = d.CheckAndRegister(context.Background(), momentum) // duplicate within momentum
	require.NoError(t, err)
	_, err = d.CheckAndRegister(context.Background(), meanrev)
	require.NoError(t, err)

	byStrategy := d.StatsByStrategy()
	require.Equal(t, StrategyStats{TotalChecks: 2, DuplicatesFound: 1}, byStrategy["momentum"])
	require.Equal(t, StrategyStats{TotalChecks: 1, DuplicatesFound: 0}, byStrategy["meanrev"])
}

func TestFingerprint_RoundsStrengthTo4DecimalPlaces(t *testing.T) {
	s1 := strengthOf(0.123412)
	s2 := strengthOf(0.123449)
	ts := time.Now().Unix()

	fp1, err := Fingerprint(Signal{Symbol: "X", Direction: "long", Strategy: "s", Timestamp: ts, Strength: s1})
	require.NoError(t, err)
	fp2, err := Fingerprint(Signal{Symbol: "X", Direction: "long", Strategy: "s", Timestamp: ts, Strength: s2})
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
}

func TestFingerprint_Is16HexChars(t *testing.T) {
	fp, err := Fingerprint(Signal{Symbol: "X", Direction: "long", Strategy: "s", Timestamp: time.Now().Unix()})
	require.NoError(t, err)
	require.Len(t, fp, 16)
}
