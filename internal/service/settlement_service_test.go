package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/domain"
	"github.com/meridianlabs/stakehouse/internal/engine"
	"github.com/meridianlabs/stakehouse/internal/metrics"
)

var (
	testAuthority = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCreator   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testStaker    = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type memMarketStore struct {
	rows map[int64]domain.Market
}

func newMemMarketStore() *memMarketStore {
	return &memMarketStore{rows: map[int64]domain.Market{}}
}

func (s *memMarketStore) Insert(_ context.Context, m domain.Market) error {
	s.rows[m.ID] = m
	return nil
}

func (s *memMarketStore) Update(_ context.Context, m domain.Market) error {
	if _, ok := s.rows[m.ID]; !ok {
		return domain.ErrNotFound
	}
	s.rows[m.ID] = m
	return nil
}

func (s *memMarketStore) GetByID(_ context.Context, id int64) (domain.Market, error) {
	m, ok := s.rows[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarketStore) List(_ context.Context, _ domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.rows {
		out = append(out, m)
	}
	return out, nil
}

func (s *memMarketStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Market, error) {
	var out []domain.Market
	for _, m := range s.rows {
		if m.Resolved && m.ResolvedAt != nil && m.ResolvedAt.Before(before) {
			out = append(out, m)
		}
		if m.Cancelled && m.CancelledAt != nil && m.CancelledAt.Before(before) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarketStore) MaxID(_ context.Context) (int64, error) {
	var max int64
	for id := range s.rows {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memMarketStore) Count(_ context.Context) (int64, error) {
	return int64(len(s.rows)), nil
}

type posKey struct {
	marketID    int64
	participant common.Address
	side        domain.Side
}

type memPositionStore struct {
	rows map[posKey]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{rows: map[posKey]domain.Position{}}
}

func (s *memPositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.rows[posKey{p.MarketID, p.Participant, p.Side}] = p
	return nil
}

func (s *memPositionStore) Get(_ context.Context, marketID int64, participant common.Address, side domain.Side) (domain.Position, error) {
	p, ok := s.rows[posKey{marketID, participant, side}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListByMarket(_ context.Context, marketID int64) ([]domain.Position, error) {
	var out []domain.Position
	for k, p := range s.rows {
		if k.marketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListByParticipant(_ context.Context, participant common.Address, _ domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for k, p := range s.rows {
		if k.participant == participant {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListAll(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.rows {
		out = append(out, p)
	}
	return out, nil
}

type memClaimStore struct {
	rows []domain.Claim
}

func (s *memClaimStore) Insert(_ context.Context, c domain.Claim) error {
	s.rows = append(s.rows, c)
	return nil
}

func (s *memClaimStore) ListByMarket(_ context.Context, marketID int64) ([]domain.Claim, error) {
	var out []domain.Claim
	for _, c := range s.rows {
		if c.MarketID == marketID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memClaimStore) SumByParticipant(_ context.Context, participant common.Address) (int64, error) {
	var sum int64
	for _, c := range s.rows {
		if c.Participant == participant {
			sum += c.Amount
		}
	}
	return sum, nil
}

func (s *memClaimStore) ListBefore(_ context.Context, before time.Time) ([]domain.Claim, error) {
	var out []domain.Claim
	for _, c := range s.rows {
		if c.PaidAt.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memClaimStore) ListAll(_ context.Context) ([]domain.Claim, error) {
	return append([]domain.Claim(nil), s.rows...), nil
}

type memAuditStore struct {
	events []string
}

func (s *memAuditStore) Log(_ context.Context, event string, _ map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *memAuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i, e := range s.events {
		out = append(out, domain.AuditEntry{ID: int64(i + 1), Event: e})
	}
	return out, nil
}

type memOddsCache struct {
	snaps map[int64]domain.OddsSnapshot
	fail  bool
}

func newMemOddsCache() *memOddsCache {
	return &memOddsCache{snaps: map[int64]domain.OddsSnapshot{}}
}

func (c *memOddsCache) Set(_ context.Context, snap domain.OddsSnapshot) error {
	if c.fail {
		return errors.New("cache down")
	}
	c.snaps[snap.MarketID] = snap
	return nil
}

func (c *memOddsCache) Get(_ context.Context, marketID int64) (domain.OddsSnapshot, error) {
	if c.fail {
		return domain.OddsSnapshot{}, errors.New("cache down")
	}
	snap, ok := c.snaps[marketID]
	if !ok {
		return domain.OddsSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *memOddsCache) Invalidate(_ context.Context, marketID int64) error {
	delete(c.snaps, marketID)
	return nil
}

type busRecord struct {
	channel string
	event   domain.SettlementEvent
}

type memBus struct {
	published []busRecord
	streamed  []string
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	var env domain.SettlementEvent
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	b.published = append(b.published, busRecord{channel: channel, event: env})
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.streamed = append(b.streamed, stream)
	return nil
}

func (b *memBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type nopEscrow struct{}

func (nopEscrow) Deposit(_ context.Context, _ common.Address, _ int64, _ string) error  { return nil }
func (nopEscrow) Withdraw(_ context.Context, _ common.Address, _ int64, _ string) error { return nil }

// haltingEscrow allows a fixed number of withdraws, then rejects until
// healed. It tracks the total actually withdrawn so tests can assert no
// amount is ever paid twice.
type haltingEscrow struct {
	allow     int
	healed    bool
	withdrawn int64
}

func (e *haltingEscrow) Deposit(_ context.Context, _ common.Address, _ int64, _ string) error {
	return nil
}

func (e *haltingEscrow) Withdraw(_ context.Context, _ common.Address, amount int64, _ string) error {
	if !e.healed {
		if e.allow <= 0 {
			return errors.New("treasury unavailable")
		}
		e.allow--
	}
	e.withdrawn += amount
	return nil
}

type authorityPolicy struct{ addr common.Address }

func (p authorityPolicy) IsAuthority(a common.Address) bool { return a == p.addr }

type fixture struct {
	svc       *SettlementService
	markets   *memMarketStore
	positions *memPositionStore
	claims    *memClaimStore
	audit     *memAuditStore
	cache     *memOddsCache
	bus       *memBus
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithEscrow(t, nopEscrow{})
}

func newFixtureWithEscrow(t *testing.T, escrow domain.EscrowAdapter) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	eng := engine.New(
		engine.Params{MinStake: 100, MaxStakePerSide: 1_000_000},
		authorityPolicy{addr: testAuthority},
		escrow,
		func() time.Time { return *clock },
	)

	f := &fixture{
		markets:   newMemMarketStore(),
		positions: newMemPositionStore(),
		claims:    &memClaimStore{},
		audit:     &memAuditStore{},
		cache:     newMemOddsCache(),
		bus:       &memBus{},
		clock:     clock,
	}
	f.svc = NewSettlementService(
		eng, f.markets, f.positions, f.claims, f.audit, f.cache, f.bus,
		metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) createMarket(t *testing.T, initial int64) domain.Market {
	t.Helper()
	m, err := f.svc.CreateMarket(context.Background(), testCreator, "ipfs://claim",
		f.clock.Add(time.Hour), f.clock.Add(2*time.Hour), initial)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func TestCreateMarketMirrorsAndPublishes(t *testing.T) {
	f := newFixture(t)
	m := f.createMarket(t, 5000)

	stored, err := f.markets.GetByID(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("market not mirrored: %v", err)
	}
	if stored.BelieverPool != 5000 {
		t.Fatalf("mirrored pool = %d, want 5000", stored.BelieverPool)
	}
	if _, err := f.positions.Get(context.Background(), m.ID, testCreator, domain.SideBeliever); err != nil {
		t.Fatalf("creator position not mirrored: %v", err)
	}

	if len(f.audit.events) != 1 || f.audit.events[0] != domain.EventMarketCreated {
		t.Fatalf("audit events = %v", f.audit.events)
	}
	if len(f.bus.published) != 1 {
		t.Fatalf("published = %d events, want 1", len(f.bus.published))
	}
	ev := f.bus.published[0]
	if ev.channel != domain.ChannelMarkets || ev.event.Event != domain.EventMarketCreated || ev.event.MarketID != m.ID {
		t.Fatalf("unexpected event %+v on %s", ev.event, ev.channel)
	}
	if len(f.bus.streamed) != 1 || f.bus.streamed[0] != "events:"+domain.ChannelMarkets {
		t.Fatalf("streamed = %v", f.bus.streamed)
	}
}

func TestStakeMirrorsPoolsAndRefreshesOdds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 10_000)

	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideDoubter, 2000, 0); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	stored, err := f.markets.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.DoubterPool != 2000 {
		t.Fatalf("mirrored doubter pool = %d, want 2000", stored.DoubterPool)
	}

	snap, ok := f.cache.snaps[m.ID]
	if !ok {
		t.Fatal("odds snapshot not cached after stake")
	}
	if snap.BelieverOdds != 1_200_000 || snap.DoubterOdds != 6_000_000 {
		t.Fatalf("cached odds = %d/%d, want 1200000/6000000", snap.BelieverOdds, snap.DoubterOdds)
	}
}

func TestEngineRejectionSkipsMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 5000)

	// Creator restake is refused by the engine; nothing must reach the
	// mirror, the audit log, or the bus.
	audits, published := len(f.audit.events), len(f.bus.published)
	if _, err := f.svc.Stake(ctx, testCreator, m.ID, domain.SideDoubter, 500, 0); !errors.Is(err, domain.ErrCreatorStake) {
		t.Fatalf("err = %v, want ErrCreatorStake", err)
	}
	if len(f.audit.events) != audits || len(f.bus.published) != published {
		t.Fatal("rejected stake must not produce audit or bus records")
	}
}

func TestResolveAndClaimPersistsClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 5000)
	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideDoubter, 2000, 0); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	f.advance(2 * time.Hour)
	if _, err := f.svc.Resolve(ctx, testAuthority, m.ID, true); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Resolution drops the cached odds snapshot.
	if _, ok := f.cache.snaps[m.ID]; ok {
		t.Fatal("odds snapshot must be invalidated on resolve")
	}

	total, err := f.svc.Claim(ctx, testCreator, m.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if total != 7000 {
		t.Fatalf("claim total = %d, want 7000", total)
	}

	rows, err := f.claims.ListByMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListByMarket: %v", err)
	}
	if len(rows) != 1 || rows[0].Amount != 7000 || rows[0].Kind != domain.ClaimKindPayout {
		t.Fatalf("persisted claims = %+v", rows)
	}

	// The claimed flag reaches the position mirror.
	pos, err := f.positions.Get(ctx, m.ID, testCreator, domain.SideBeliever)
	if err != nil {
		t.Fatalf("Get position: %v", err)
	}
	if !pos.Claimed {
		t.Fatal("mirrored position must carry the claimed flag")
	}
}

func TestGetOddsFallsBackToEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 10_000)
	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideDoubter, 2000, 0); err != nil {
		t.Fatalf("Stake: %v", err)
	}

	// Drop the cached snapshot; the read must recompute and back-fill.
	if err := f.cache.Invalidate(ctx, m.ID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	snap, err := f.svc.GetOdds(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetOdds: %v", err)
	}
	if snap.BelieverOdds != 1_200_000 {
		t.Fatalf("recomputed odds = %d, want 1200000", snap.BelieverOdds)
	}
	if _, ok := f.cache.snaps[m.ID]; !ok {
		t.Fatal("snapshot must be back-filled into the cache")
	}
}

func TestGetOddsSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 10_000)

	f.cache.fail = true
	snap, err := f.svc.GetOdds(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetOdds with cache down: %v", err)
	}
	if snap.BelieverPool != 10_000 {
		t.Fatalf("snapshot pool = %d, want 10000", snap.BelieverPool)
	}
}

func TestRestoreRebuildsEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.createMarket(t, 5000)
	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideDoubter, 2000, 0); err != nil {
		t.Fatalf("Stake: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, testCreator, m.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A second service sharing the stores restores to the same state.
	eng2 := engine.New(
		engine.Params{MinStake: 100, MaxStakePerSide: 1_000_000},
		authorityPolicy{addr: testAuthority},
		nopEscrow{},
		func() time.Time { return *f.clock },
	)
	svc2 := NewSettlementService(
		eng2, f.markets, f.positions, f.claims, f.audit, f.cache, f.bus,
		metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err := svc2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	state, err := svc2.GetLifecycleState(m.ID)
	if err != nil || state != domain.StateCancelled {
		t.Fatalf("restored state = %s (%v), want cancelled", state, err)
	}
	total, err := svc2.Claim(ctx, testStaker, m.ID)
	if err != nil {
		t.Fatalf("Claim after restore: %v", err)
	}
	if total != 2000 {
		t.Fatalf("refund after restore = %d, want 2000", total)
	}
}

func TestPartialRefundSurvivesRestart(t *testing.T) {
	esc := &haltingEscrow{allow: 1}
	f := newFixtureWithEscrow(t, esc)
	ctx := context.Background()

	m := f.createMarket(t, 5000)
	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideBeliever, 1500, 0); err != nil {
		t.Fatalf("Stake believer: %v", err)
	}
	if _, err := f.svc.Stake(ctx, testStaker, m.ID, domain.SideDoubter, 800, 0); err != nil {
		t.Fatalf("Stake doubter: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, testCreator, m.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The believer side is refunded first; the doubter withdraw fails.
	if _, err := f.svc.Claim(ctx, testStaker, m.ID); !errors.Is(err, domain.ErrEscrowRejected) {
		t.Fatalf("Claim err = %v, want ErrEscrowRejected", err)
	}
	if esc.withdrawn != 1500 {
		t.Fatalf("escrow withdrew %d, want 1500", esc.withdrawn)
	}

	// The paid side must reach the durable stores before the error surfaces.
	rows, err := f.claims.ListByMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("ListByMarket: %v", err)
	}
	if len(rows) != 1 || rows[0].Amount != 1500 || rows[0].Kind != domain.ClaimKindRefund {
		t.Fatalf("persisted claims after partial refund = %+v", rows)
	}
	believer, err := f.positions.Get(ctx, m.ID, testStaker, domain.SideBeliever)
	if err != nil || !believer.Claimed {
		t.Fatalf("believer position claimed = %v (%v), want true", believer.Claimed, err)
	}
	doubter, err := f.positions.Get(ctx, m.ID, testStaker, domain.SideDoubter)
	if err != nil || doubter.Claimed {
		t.Fatalf("doubter position claimed = %v (%v), want false", doubter.Claimed, err)
	}

	// Restart: a fresh service restored from the same stores, with escrow
	// healthy again, must pay only the side that never got its refund.
	esc.healed = true
	eng2 := engine.New(
		engine.Params{MinStake: 100, MaxStakePerSide: 1_000_000},
		authorityPolicy{addr: testAuthority},
		esc,
		func() time.Time { return *f.clock },
	)
	svc2 := NewSettlementService(
		eng2, f.markets, f.positions, f.claims, f.audit, f.cache, f.bus,
		metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err := svc2.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	total, err := svc2.Claim(ctx, testStaker, m.ID)
	if err != nil {
		t.Fatalf("Claim after restore: %v", err)
	}
	if total != 800 {
		t.Fatalf("refund after restore = %d, want 800", total)
	}
	if esc.withdrawn != 2300 {
		t.Fatalf("escrow withdrew %d across restart, want 2300", esc.withdrawn)
	}
}

func TestGetTotalClaimedConsultsMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Claims written by a prior deployment exist only in the mirror.
	other := common.HexToAddress("0x0000000000000000000000000000000000000033")
	f.claims.Insert(ctx, domain.Claim{
		ID: "c-1", MarketID: 7, Participant: other,
		Side: domain.SideBeliever, Amount: 900, Kind: domain.ClaimKindPayout, PaidAt: *f.clock,
	})
	f.claims.Insert(ctx, domain.Claim{
		ID: "c-2", MarketID: 9, Participant: other,
		Side: domain.SideDoubter, Amount: 100, Kind: domain.ClaimKindRefund, PaidAt: *f.clock,
	})

	if got := f.svc.GetTotalClaimed(ctx, other); got != 1000 {
		t.Fatalf("GetTotalClaimed = %d, want 1000", got)
	}
}

func TestGetMarketFallsBackToMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	archived := domain.Market{
		ID:              42,
		Creator:         testCreator,
		ContentRef:      "ipfs://archived",
		StakingDeadline: f.clock.Add(-48 * time.Hour),
		BelieverPool:    5000,
		Cancelled:       true,
		CreatedAt:       f.clock.Add(-72 * time.Hour),
	}
	if err := f.markets.Insert(ctx, archived); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	m, err := f.svc.GetMarket(ctx, 42)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.ContentRef != "ipfs://archived" || !m.Cancelled {
		t.Fatalf("mirror market = %+v", m)
	}

	if _, err := f.svc.GetMarket(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetMarket(99) err = %v, want ErrNotFound", err)
	}
}
