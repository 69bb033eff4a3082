package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meridianlabs/stakehouse/internal/domain"
	"github.com/meridianlabs/stakehouse/internal/engine"
	"github.com/meridianlabs/stakehouse/internal/metrics"
)

// SettlementService wraps the engine with persistence, audit logging, event
// fanout, and metrics. The engine remains the single source of truth; the
// stores are a durable mirror used to rebuild it at startup, and mirror
// failures are logged rather than unwinding a committed mutation.
type SettlementService struct {
	engine    *engine.Engine
	markets   domain.MarketStore
	positions domain.PositionStore
	claims    domain.ClaimStore
	audit     domain.AuditStore
	cache     domain.OddsCache
	bus       domain.SignalBus
	metrics   *metrics.SettlementMetrics
	logger    *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	eng *engine.Engine,
	markets domain.MarketStore,
	positions domain.PositionStore,
	claims domain.ClaimStore,
	audit domain.AuditStore,
	cache domain.OddsCache,
	bus domain.SignalBus,
	m *metrics.SettlementMetrics,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		engine:    eng,
		markets:   markets,
		positions: positions,
		claims:    claims,
		audit:     audit,
		cache:     cache,
		bus:       bus,
		metrics:   m,
		logger:    logger,
	}
}

// Restore rebuilds the engine from the persistent mirror. It must complete
// before the service accepts any mutation.
func (s *SettlementService) Restore(ctx context.Context) error {
	markets, err := s.markets.List(ctx, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("settlement_service: restore markets: %w", err)
	}
	positions, err := s.positions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("settlement_service: restore positions: %w", err)
	}
	claims, err := s.claims.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("settlement_service: restore claims: %w", err)
	}

	s.engine.Restore(markets, positions, claims)
	s.checkMirror(ctx, markets)

	s.logger.InfoContext(ctx, "settlement_service: state restored",
		slog.Int("markets", len(markets)),
		slog.Int("positions", len(positions)),
		slog.Int("claims", len(claims)),
	)
	return nil
}

// checkMirror cross-checks the restored snapshot against the mirror's own
// aggregates. A mismatch means the mirror was written to by another process
// or a load dropped rows; the service still starts, but loudly.
func (s *SettlementService) checkMirror(ctx context.Context, markets []domain.Market) {
	var loadedMax int64
	for _, m := range markets {
		if m.ID > loadedMax {
			loadedMax = m.ID
		}
	}
	if n, err := s.markets.Count(ctx); err == nil && n != int64(len(markets)) {
		s.logger.WarnContext(ctx, "settlement_service: restore market count mismatch",
			slog.Int("loaded", len(markets)),
			slog.Int64("stored", n),
		)
	}
	if maxID, err := s.markets.MaxID(ctx); err == nil && maxID != loadedMax {
		s.logger.WarnContext(ctx, "settlement_service: restore market id high-water mismatch",
			slog.Int64("loaded_max", loadedMax),
			slog.Int64("stored_max", maxID),
		)
	}
}

// CreateMarket opens a new market with the creator's initial believer stake.
func (s *SettlementService) CreateMarket(ctx context.Context, creator common.Address, contentRef string, stakingDeadline, resolutionDeadline time.Time, initialStake int64) (domain.Market, error) {
	m, err := s.engine.CreateMarket(ctx, creator, contentRef, stakingDeadline, resolutionDeadline, initialStake)
	if err != nil {
		s.metrics.OperationErrors.WithLabelValues("create").Inc()
		s.reportEscrowFailure(ctx, "create", 0, err)
		return domain.Market{}, err
	}

	if err := s.markets.Insert(ctx, m); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: market insert failed",
			slog.Int64("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
	s.mirrorPositions(ctx, m.ID, creator)
	s.auditLog(ctx, domain.EventMarketCreated, map[string]any{
		"market_id":   m.ID,
		"creator":     creator.Hex(),
		"content_ref": contentRef,
		"stake":       initialStake,
	})
	s.publish(ctx, domain.ChannelMarkets, domain.EventMarketCreated, m.ID, map[string]any{
		"creator": creator.Hex(),
		"stake":   initialStake,
	})
	s.refreshOdds(ctx, m.ID)

	s.metrics.MarketsCreated.Inc()
	s.metrics.ActiveMarkets.Inc()
	s.metrics.RecordStake(string(domain.SideBeliever), initialStake)

	s.logger.InfoContext(ctx, "settlement_service: market created",
		slog.Int64("market_id", m.ID),
		slog.String("creator", creator.Hex()),
		slog.Int64("initial_stake", initialStake),
	)
	return m, nil
}

// Stake places or tops up a position.
func (s *SettlementService) Stake(ctx context.Context, participant common.Address, marketID int64, side domain.Side, amount, minAcceptablePayout int64) (domain.Position, error) {
	pos, err := s.engine.Stake(ctx, participant, marketID, side, amount, minAcceptablePayout)
	if err != nil {
		s.metrics.OperationErrors.WithLabelValues("stake").Inc()
		s.reportEscrowFailure(ctx, "stake", marketID, err)
		return domain.Position{}, err
	}

	s.mirrorMarket(ctx, marketID)
	if err := s.positions.Upsert(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: position upsert failed",
			slog.Int64("market_id", marketID),
			slog.String("participant", participant.Hex()),
			slog.String("error", err.Error()),
		)
	}
	s.auditLog(ctx, domain.EventStakePlaced, map[string]any{
		"market_id":   marketID,
		"participant": participant.Hex(),
		"side":        string(side),
		"amount":      amount,
	})
	s.publish(ctx, domain.ChannelStakes, domain.EventStakePlaced, marketID, map[string]any{
		"participant": participant.Hex(),
		"side":        string(side),
		"amount":      amount,
	})
	s.refreshOdds(ctx, marketID)

	s.metrics.RecordStake(string(side), amount)
	return pos, nil
}

// Resolve records the market outcome.
func (s *SettlementService) Resolve(ctx context.Context, caller common.Address, marketID int64, outcome bool) (domain.Market, error) {
	m, err := s.engine.Resolve(caller, marketID, outcome)
	if err != nil {
		s.metrics.OperationErrors.WithLabelValues("resolve").Inc()
		return domain.Market{}, err
	}

	if err := s.markets.Update(ctx, m); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: market update failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	s.auditLog(ctx, domain.EventMarketResolved, map[string]any{
		"market_id": marketID,
		"caller":    caller.Hex(),
		"outcome":   outcome,
	})
	s.publish(ctx, domain.ChannelMarkets, domain.EventMarketResolved, marketID, map[string]any{
		"outcome": outcome,
	})
	s.invalidateOdds(ctx, marketID)

	s.metrics.MarketsResolved.WithLabelValues(outcomeLabel(outcome)).Inc()
	s.metrics.ActiveMarkets.Dec()

	s.logger.InfoContext(ctx, "settlement_service: market resolved",
		slog.Int64("market_id", marketID),
		slog.Bool("outcome", outcome),
	)
	return m, nil
}

// Cancel voids a market before resolution.
func (s *SettlementService) Cancel(ctx context.Context, caller common.Address, marketID int64) (domain.Market, error) {
	m, err := s.engine.Cancel(caller, marketID)
	if err != nil {
		s.metrics.OperationErrors.WithLabelValues("cancel").Inc()
		return domain.Market{}, err
	}

	if err := s.markets.Update(ctx, m); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: market update failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
	s.auditLog(ctx, domain.EventMarketCancelled, map[string]any{
		"market_id": marketID,
		"caller":    caller.Hex(),
	})
	s.publish(ctx, domain.ChannelMarkets, domain.EventMarketCancelled, marketID, nil)
	s.invalidateOdds(ctx, marketID)

	s.metrics.MarketsCancelled.Inc()
	s.metrics.ActiveMarkets.Dec()

	s.logger.InfoContext(ctx, "settlement_service: market cancelled",
		slog.Int64("market_id", marketID),
		slog.String("caller", caller.Hex()),
	)
	return m, nil
}

// Claim settles everything the participant is owed on a terminal market and
// returns the total paid out.
//
// A refund on a cancelled market pays per side, so the engine can fail after
// paying the first side. The paid portion is already withdrawn from escrow
// and must reach the mirror even on error, or a restart would rebuild the
// position as unclaimed and pay it a second time.
func (s *SettlementService) Claim(ctx context.Context, participant common.Address, marketID int64) (int64, error) {
	total, claims, err := s.engine.Claim(ctx, participant, marketID)
	if len(claims) > 0 {
		s.persistClaims(ctx, claims)
		s.mirrorPositions(ctx, marketID, participant)
	}

	if err != nil {
		s.metrics.OperationErrors.WithLabelValues("claim").Inc()
		s.reportEscrowFailure(ctx, "claim", marketID, err)
		if len(claims) > 0 {
			s.auditLog(ctx, domain.EventClaimPaid, map[string]any{
				"market_id":   marketID,
				"participant": participant.Hex(),
				"total":       total,
				"claims":      len(claims),
				"partial":     true,
			})
		}
		return total, err
	}

	s.auditLog(ctx, domain.EventClaimPaid, map[string]any{
		"market_id":   marketID,
		"participant": participant.Hex(),
		"total":       total,
		"claims":      len(claims),
	})
	s.publish(ctx, domain.ChannelClaims, domain.EventClaimPaid, marketID, map[string]any{
		"participant": participant.Hex(),
		"total":       total,
	})

	s.logger.InfoContext(ctx, "settlement_service: claim paid",
		slog.Int64("market_id", marketID),
		slog.String("participant", participant.Hex()),
		slog.Int64("total", total),
	)
	return total, nil
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

// GetMarket returns the authoritative in-memory market snapshot, falling
// back to the mirror for markets the engine no longer holds.
func (s *SettlementService) GetMarket(ctx context.Context, marketID int64) (domain.Market, error) {
	m, err := s.engine.GetMarket(marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return s.markets.GetByID(ctx, marketID)
	}
	return m, err
}

// ListMarkets returns markets newest first.
func (s *SettlementService) ListMarkets(opts domain.ListOpts) []domain.Market {
	return s.engine.ListMarkets(opts)
}

// GetLifecycleState returns the market's derived lifecycle state.
func (s *SettlementService) GetLifecycleState(marketID int64) (domain.LifecycleState, error) {
	return s.engine.GetLifecycleState(marketID)
}

// GetPositions returns the participant's positions on one market.
func (s *SettlementService) GetPositions(marketID int64, participant common.Address) ([]domain.Position, error) {
	return s.engine.GetPositions(marketID, participant)
}

// ListParticipantPositions returns one participant's positions across all
// markets from the persistent mirror.
func (s *SettlementService) ListParticipantPositions(ctx context.Context, participant common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByParticipant(ctx, participant, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list positions for %s: %w", participant.Hex(), err)
	}
	return positions, nil
}

// GetPotentialPayout previews the payout a hypothetical stake would earn if
// its side won with the pools as they stand now.
func (s *SettlementService) GetPotentialPayout(marketID, amount int64, side domain.Side) (int64, error) {
	return s.engine.GetPotentialPayout(marketID, amount, side)
}

// GetOdds returns the market's odds snapshot, from cache when fresh.
func (s *SettlementService) GetOdds(ctx context.Context, marketID int64) (domain.OddsSnapshot, error) {
	snap, err := s.cache.Get(ctx, marketID)
	if err == nil {
		return snap, nil
	}

	snap, err = s.computeOdds(marketID)
	if err != nil {
		return domain.OddsSnapshot{}, err
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if cacheErr := s.cache.Set(ctx, snap); cacheErr != nil {
		s.logger.WarnContext(ctx, "settlement_service: odds cache set failed",
			slog.Int64("market_id", marketID),
			slog.String("error", cacheErr.Error()),
		)
	}
	return snap, nil
}

// IsClaimable reports whether the participant has anything left to claim.
func (s *SettlementService) IsClaimable(marketID int64, participant common.Address) bool {
	return s.engine.IsClaimable(marketID, participant)
}

// GetTotalClaimed returns the participant's lifetime claimed total. The
// engine total covers everything restored at boot; the mirror is consulted
// when the engine has no record, which catches claims written by an earlier
// deployment whose markets have since been archived away.
func (s *SettlementService) GetTotalClaimed(ctx context.Context, participant common.Address) int64 {
	if total := s.engine.GetTotalClaimed(participant); total > 0 {
		return total
	}
	total, err := s.claims.SumByParticipant(ctx, participant)
	if err != nil {
		s.logger.WarnContext(ctx, "settlement_service: claimed total lookup failed",
			slog.String("participant", participant.Hex()),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return total
}

// AuditTrail returns audit entries newest first.
func (s *SettlementService) AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: audit trail: %w", err)
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Mirror and fanout helpers
// ---------------------------------------------------------------------------

func (s *SettlementService) mirrorMarket(ctx context.Context, marketID int64) {
	m, err := s.engine.GetMarket(marketID)
	if err != nil {
		return
	}
	if err := s.markets.Update(ctx, m); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: market update failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// persistClaims writes paid claim rows to the durable store. Insert failures
// are logged, not propagated; the escrow transfer already happened.
func (s *SettlementService) persistClaims(ctx context.Context, claims []domain.Claim) {
	for _, c := range claims {
		if err := s.claims.Insert(ctx, c); err != nil {
			s.logger.ErrorContext(ctx, "settlement_service: claim insert failed",
				slog.String("claim_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
		s.metrics.RecordClaim(string(c.Kind), c.Amount)
	}
}

func (s *SettlementService) mirrorPositions(ctx context.Context, marketID int64, participant common.Address) {
	positions, err := s.engine.GetPositions(marketID, participant)
	if err != nil {
		return
	}
	for _, p := range positions {
		if err := s.positions.Upsert(ctx, p); err != nil {
			s.logger.ErrorContext(ctx, "settlement_service: position upsert failed",
				slog.Int64("market_id", marketID),
				slog.String("participant", participant.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *SettlementService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// publish fans a settlement event out on the pub/sub channel and appends it
// to the durable event stream. Fanout is best-effort.
func (s *SettlementService) publish(ctx context.Context, channel, event string, marketID int64, detail map[string]any) {
	env := domain.SettlementEvent{
		ID:       uuid.New().String(),
		Event:    event,
		MarketID: marketID,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement_service: marshal event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, "events:"+channel, payload); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// reportEscrowFailure publishes a status event when a mutation failed on the
// escrow boundary rather than on a settlement rule.
func (s *SettlementService) reportEscrowFailure(ctx context.Context, op string, marketID int64, err error) {
	if !errors.Is(err, domain.ErrEscrowRejected) {
		return
	}
	s.metrics.EscrowFailures.WithLabelValues(op).Inc()
	s.publish(ctx, domain.ChannelStatus, domain.EventEscrowFailure, marketID, map[string]any{
		"op":    op,
		"error": err.Error(),
	})
}

func (s *SettlementService) computeOdds(marketID int64) (domain.OddsSnapshot, error) {
	m, err := s.engine.GetMarket(marketID)
	if err != nil {
		return domain.OddsSnapshot{}, err
	}
	state, err := s.engine.GetLifecycleState(marketID)
	if err != nil {
		return domain.OddsSnapshot{}, err
	}

	snap := domain.OddsSnapshot{
		MarketID:     marketID,
		State:        state,
		BelieverPool: m.BelieverPool,
		DoubterPool:  m.DoubterPool,
		ComputedAt:   time.Now().UTC(),
	}
	// Odds are undefined for an empty side; the snapshot carries zero there.
	if odds, err := s.engine.GetOddsMultiplier(marketID, domain.SideBeliever); err == nil {
		snap.BelieverOdds = odds
	}
	if odds, err := s.engine.GetOddsMultiplier(marketID, domain.SideDoubter); err == nil {
		snap.DoubterOdds = odds
	}
	return snap, nil
}

func (s *SettlementService) refreshOdds(ctx context.Context, marketID int64) {
	snap, err := s.computeOdds(marketID)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: odds cache set failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SettlementService) invalidateOdds(ctx context.Context, marketID int64) {
	if err := s.cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: odds cache invalidate failed",
			slog.Int64("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}

func outcomeLabel(outcome bool) string {
	if outcome {
		return "true"
	}
	return "false"
}
