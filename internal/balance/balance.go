// Package balance implements the Balance Manager (C3): a cached balance
// store with reservation accounting to prevent oversubscription, per
// spec.md section 4.3. Per-(venue,asset) sharded locking follows section
// 5's "never a single global lock" rule, modeled on the teacher's
// per-category catrate.Limiter sync.Map idiom but realized as one
// sync.RWMutex per venue (bounded key space, unlike rate-limit keys).
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obertruper/botcore/internal/cerrors"
	"github.com/obertruper/botcore/internal/kvshadow"
	"github.com/obertruper/botcore/internal/money"
	"github.com/obertruper/botcore/internal/obslog"
)

// BalanceRow is one (venue, asset) balance as reported by an exchange
// client's FetchBalances capability.
type BalanceRow struct {
	Venue       string
	Asset       string
	Total       money.Decimal
	Available   money.Decimal
	Locked      money.Decimal
	LastUpdated time.Time
}

// Reservation is client-side uncommitted intent against a balance, per
// spec.md section 3.
type Reservation struct {
	ID        string
	Venue     string
	Asset     string
	Amount    money.Decimal
	Purpose   string
	CreatedAt time.Time
	ExpiresAt time.Time
	Metadata  map[string]any
}

// ExchangeClient supplies balance data; the coordination core never talks
// to a venue directly (spec.md section 1's Non-goals: exchange clients
// are external collaborators named by capability).
type ExchangeClient interface {
	FetchBalances(ctx context.Context, venue string) ([]BalanceRow, error)
}

// Config controls polling/sweep cadence and staleness policy.
type Config struct {
	MinimumResidual  money.Decimal
	PollInterval     time.Duration
	SweepInterval    time.Duration
	StalenessLimit   time.Duration
	FailClosedStale  bool
}

// DefaultConfig matches spec.md section 4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinimumResidual: money.MustFromString("0.001"),
		PollInterval:    30 * time.Second,
		SweepInterval:   60 * time.Second,
		StalenessLimit:  5 * time.Minute,
		FailClosedStale: false,
	}
}

type venueState struct {
	mu           sync.RWMutex
	balances     map[string]BalanceRow          // asset -> row
	reservations map[string]map[string]Reservation // asset -> id -> reservation
}

func newVenueState() *venueState {
	return &venueState{
		balances:     make(map[string]BalanceRow),
		reservations: make(map[string]map[string]Reservation),
	}
}

// Manager is the Balance Manager (C3).
type Manager struct {
	cfg     Config
	clients map[string]ExchangeClient
	kv      *kvshadow.Store
	log     *obslog.Logger

	mu     sync.RWMutex
	venues map[string]*venueState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. clients maps venue name to its
// ExchangeClient, used by the background balance pollers.
func New(cfg Config, clients map[string]ExchangeClient, kv *kvshadow.Store, log *obslog.Logger) *Manager {
	if log == nil {
		log = obslog.Discard()
	}
	return &Manager{
		cfg:     cfg,
		clients: clients,
		kv:      kv,
		log:     obslog.Named(log, "balance"),
		venues:  make(map[string]*venueState),
	}
}

func (m *Manager) stateFor(venue string) *venueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.venues[venue]
	if !ok {
		vs = newVenueState()
		m.venues[venue] = vs
	}
	return vs
}

// Start launches one balance poller per known venue plus the reservation
// sweeper, per spec.md section 4.3's lifecycle.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for venue, client := range m.clients {
		m.wg.Add(1)
		go m.pollLoop(ctx, venue, client)
	}

	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop cancels all background loops cooperatively and waits for them to
// exit. It does not gate the public methods: calls made after Stop still
// operate on the cached balances and reservations.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) pollLoop(ctx context.Context, venue string, client ExchangeClient) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rows, err := client.FetchBalances(ctx, venue)
			if err != nil {
				m.log.Warning().Str("venue", venue).Err(err).Log("balance fetch failed, retrying next cycle")
				continue
			}
			for _, row := range rows {
				m.UpdateBalance(row.Venue, row.Asset, row.Total, row.Available, row.Locked)
			}
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpiredReservations()
		}
	}
}

func (m *Manager) sweepExpiredReservations() {
	now := time.Now()
	m.mu.RLock()
	venues := make([]*venueState, 0, len(m.venues))
	for _, vs := range m.venues {
		venues = append(venues, vs)
	}
	m.mu.RUnlock()

	for _, vs := range venues {
		vs.mu.Lock()
		for asset, byID := range vs.reservations {
			for id, r := range byID {
				if now.After(r.ExpiresAt) {
					delete(byID, id)
				}
			}
			if len(byID) == 0 {
				delete(vs.reservations, asset)
			}
		}
		vs.mu.Unlock()
	}
}

// UpdateBalance replaces the cached balance row for (venue, asset), per
// spec.md section 4.3's UpdateBalance contract.
func (m *Manager) UpdateBalance(venue, asset string, total, available, locked money.Decimal) bool {
	vs := m.stateFor(venue)
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.balances[asset] = BalanceRow{
		Venue:       venue,
		Asset:       asset,
		Total:       total,
		Available:   available,
		Locked:      locked,
		LastUpdated: time.Now(),
	}
	if m.kv != nil {
		ctx := context.Background()
		_ = m.kv.SetEx(ctx, fmt.Sprintf("balance:%s:%s", venue, asset), available.String(), time.Hour)
	}
	return true
}

func (m *Manager) activeReservationsSum(vs *venueState, asset string, now time.Time) money.Decimal {
	sum := money.Zero
	for _, r := range vs.reservations[asset] {
		if now.Before(r.ExpiresAt) {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// CheckAvailability reports whether amount can be reserved against
// (venue, asset) right now, per spec.md section 4.3's contract:
// available − (includeReservations ? Σreserved : 0) − amount ≥
// minimumResidual.
func (m *Manager) CheckAvailability(venue, asset string, amount money.Decimal, includeReservations bool) (bool, string) {
	vs := m.stateFor(venue)
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	row, ok := vs.balances[asset]
	if !ok {
		return false, "no balance known for venue/asset"
	}
	if m.cfg.FailClosedStale && m.cfg.StalenessLimit > 0 && time.Since(row.LastUpdated) > m.cfg.StalenessLimit {
		return false, "balance stale"
	}

	remaining := row.Available
	if includeReservations {
		remaining = remaining.Sub(m.activeReservationsSum(vs, asset, time.Now()))
	}
	remaining = remaining.Sub(amount)

	if remaining.GreaterThanOrEqual(m.cfg.MinimumResidual) {
		return true, ""
	}
	return false, "insufficient available balance"
}

// Reserve atomically rechecks availability and creates a reservation, per
// spec.md section 4.3. Returns ("", err) on rejection, where err is a
// *cerrors.Error of KindAdmissionDenied carrying the reason.
func (m *Manager) Reserve(venue, asset string, amount money.Decimal, purpose string, ttl time.Duration, metadata map[string]any) (string, error) {
	vs := m.stateFor(venue)
	vs.mu.Lock()
	defer vs.mu.Unlock()

	row, ok := vs.balances[asset]
	if !ok {
		return "", cerrors.New(cerrors.KindAdmissionDenied, "balance.Reserve", "no balance known for venue/asset")
	}
	if m.cfg.FailClosedStale && m.cfg.StalenessLimit > 0 && time.Since(row.LastUpdated) > m.cfg.StalenessLimit {
		return "", cerrors.New(cerrors.KindAdmissionDenied, "balance.Reserve", "balance stale")
	}

	now := time.Now()
	remaining := row.Available.Sub(m.activeReservationsSum(vs, asset, now)).Sub(amount)
	if !remaining.GreaterThanOrEqual(m.cfg.MinimumResidual) {
		return "", cerrors.New(cerrors.KindAdmissionDenied, "balance.Reserve", "insufficient available balance")
	}

	id := uuid.NewString()
	r := Reservation{
		ID:        id,
		Venue:     venue,
		Asset:     asset,
		Amount:    amount,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  metadata,
	}
	if vs.reservations[asset] == nil {
		vs.reservations[asset] = make(map[string]Reservation)
	}
	vs.reservations[asset][id] = r

	if m.kv != nil {
		ctx := context.Background()
		_ = m.kv.SetEx(ctx, "reservation:"+id, fmt.Sprintf("%s:%s:%s", venue, asset, amount.String()), ttl)
	}

	return id, nil
}

// Release removes a reservation before its TTL, per spec.md section 4.3.
func (m *Manager) Release(reservationID string) bool {
	m.mu.RLock()
	venues := make([]*venueState, 0, len(m.venues))
	for _, vs := range m.venues {
		venues = append(venues, vs)
	}
	m.mu.RUnlock()

	for _, vs := range venues {
		vs.mu.Lock()
		found := false
		for asset, byID := range vs.reservations {
			if _, ok := byID[reservationID]; ok {
				delete(byID, reservationID)
				if len(byID) == 0 {
					delete(vs.reservations, asset)
				}
				found = true
				break
			}
		}
		vs.mu.Unlock()
		if found {
			if m.kv != nil {
				_ = m.kv.Del(context.Background(), "reservation:"+reservationID)
			}
			return true
		}
	}
	return false
}

// AssetSummary is one row of GetBalanceSummary's snapshot.
type AssetSummary struct {
	Venue              string
	Asset              string
	Total              money.Decimal
	Available          money.Decimal
	Locked             money.Decimal
	ActiveReservations money.Decimal
	LastUpdated        time.Time
}

// GetBalanceSummary returns an observability snapshot of every known
// (venue, asset) balance with its current reservation load, per spec.md
// section 4.3.
func (m *Manager) GetBalanceSummary() []AssetSummary {
	m.mu.RLock()
	venues := make(map[string]*venueState, len(m.venues))
	for k, v := range m.venues {
		venues[k] = v
	}
	m.mu.RUnlock()

	now := time.Now()
	var out []AssetSummary
	for venue, vs := range venues {
		vs.mu.RLock()
		for asset, row := range vs.balances {
			out = append(out, AssetSummary{
				Venue:              venue,
				Asset:              asset,
				Total:              row.Total,
				Available:          row.Available,
				Locked:             row.Locked,
				ActiveReservations: m.activeReservationsSum(vs, asset, now),
				LastUpdated:        row.LastUpdated,
			})
		}
		vs.mu.RUnlock()
	}
	return out
}
