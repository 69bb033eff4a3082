package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, creator common.Address, contentRef string, stakingDeadline, resolutionDeadline time.Time, initialStake int64) (domain.Market, error)
	GetMarket(ctx context.Context, marketID int64) (domain.Market, error)
	ListMarkets(opts domain.ListOpts) []domain.Market
	GetLifecycleState(marketID int64) (domain.LifecycleState, error)
	GetOdds(ctx context.Context, marketID int64) (domain.OddsSnapshot, error)
	GetPotentialPayout(marketID, amount int64, side domain.Side) (int64, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// marketView is the JSON representation of a market. The lifecycle state is
// derived at render time; it is never stored.
type marketView struct {
	ID                 int64      `json:"id"`
	Creator            string     `json:"creator"`
	ContentRef         string     `json:"content_ref"`
	StakingDeadline    time.Time  `json:"staking_deadline"`
	ResolutionDeadline time.Time  `json:"resolution_deadline"`
	BelieverPool       int64      `json:"believer_pool"`
	DoubterPool        int64      `json:"doubter_pool"`
	TotalPool          int64      `json:"total_pool"`
	State              string     `json:"state"`
	Outcome            *bool      `json:"outcome,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

func newMarketView(m domain.Market) marketView {
	v := marketView{
		ID:                 m.ID,
		Creator:            m.Creator.Hex(),
		ContentRef:         m.ContentRef,
		StakingDeadline:    m.StakingDeadline,
		ResolutionDeadline: m.ResolutionDeadline,
		BelieverPool:       m.BelieverPool,
		DoubterPool:        m.DoubterPool,
		TotalPool:          m.TotalPool(),
		State:              string(m.State(time.Now())),
		CreatedAt:          m.CreatedAt,
		ResolvedAt:         m.ResolvedAt,
		CancelledAt:        m.CancelledAt,
	}
	if m.Resolved {
		outcome := m.Outcome
		v.Outcome = &outcome
	}
	return v
}

// createMarketRequest is the JSON body for market creation.
type createMarketRequest struct {
	Creator            string    `json:"creator"`
	ContentRef         string    `json:"content_ref"`
	StakingDeadline    time.Time `json:"staking_deadline"`
	ResolutionDeadline time.Time `json:"resolution_deadline"`
	InitialStake       int64     `json:"initial_stake"`
}

// CreateMarket opens a new market with the creator's initial believer stake.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	creator, err := parseAddress(req.Creator)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid creator address")
		return
	}
	if req.ContentRef == "" {
		writeError(w, http.StatusBadRequest, "content_ref is required")
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), creator, req.ContentRef,
		req.StakingDeadline, req.ResolutionDeadline, req.InitialStake)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newMarketView(m))
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets newest first with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets := h.markets.ListMarkets(opts)
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, newMarketView(m))
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newMarketView(m))
}

// GetState returns only the market's derived lifecycle state.
// GET /api/markets/{id}/state
func (h *MarketHandler) GetState(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.markets.GetLifecycleState(id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"state":     string(state),
	})
}

// GetOdds returns the market's pool totals and implied odds multipliers.
// GET /api/markets/{id}/odds
func (h *MarketHandler) GetOdds(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.markets.GetOdds(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// PreviewPayout quotes the payout a hypothetical stake would earn if its
// side won with the pools as they stand now.
// GET /api/markets/{id}/preview?side=believer&amount=3000
func (h *MarketHandler) PreviewPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	side := domain.Side(q.Get("side"))
	amount, parseErr := parseAmount(q.Get("amount"))
	if parseErr != nil {
		writeError(w, http.StatusBadRequest, parseErr.Error())
		return
	}

	payout, err := h.markets.GetPotentialPayout(id, amount, side)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"side":      string(side),
		"amount":    amount,
		"payout":    payout,
	})
}
