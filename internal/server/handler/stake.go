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

// StakeService defines the methods that the stake handler requires from the
// service layer.
type StakeService interface {
	Stake(ctx context.Context, participant common.Address, marketID int64, side domain.Side, amount, minAcceptablePayout int64) (domain.Position, error)
	GetPositions(marketID int64, participant common.Address) ([]domain.Position, error)
	ListParticipantPositions(ctx context.Context, participant common.Address, opts domain.ListOpts) ([]domain.Position, error)
}

// StakeHandler serves staking HTTP endpoints.
type StakeHandler struct {
	stakes StakeService
	logger *slog.Logger
}

// NewStakeHandler creates a StakeHandler with the given service and logger.
func NewStakeHandler(stakes StakeService, logger *slog.Logger) *StakeHandler {
	return &StakeHandler{
		stakes: stakes,
		logger: logHandler(logger, "stake"),
	}
}

// positionView is the JSON representation of a position.
type positionView struct {
	MarketID    int64      `json:"market_id"`
	Participant string     `json:"participant"`
	Side        string     `json:"side"`
	Amount      int64      `json:"amount"`
	Claimed     bool       `json:"claimed"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		MarketID:    p.MarketID,
		Participant: p.Participant.Hex(),
		Side:        string(p.Side),
		Amount:      p.Amount,
		Claimed:     p.Claimed,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		ClaimedAt:   p.ClaimedAt,
	}
}

// stakeRequest is the JSON body for placing a stake.
type stakeRequest struct {
	Participant         string `json:"participant"`
	Side                string `json:"side"`
	Amount              int64  `json:"amount"`
	MinAcceptablePayout int64  `json:"min_acceptable_payout"`
}

// PlaceStake adds a stake to one side of a market.
// POST /api/markets/{id}/stakes
func (h *StakeHandler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	participant, err := parseAddress(req.Participant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant address")
		return
	}

	pos, err := h.stakes.Stake(r.Context(), participant, id,
		domain.Side(req.Side), req.Amount, req.MinAcceptablePayout)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

// listPositionsResponse wraps position list responses.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// GetMarketPositions returns one participant's positions on a market.
// GET /api/markets/{id}/positions?participant=0x...
func (h *StakeHandler) GetMarketPositions(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	participant, err := parseAddress(r.URL.Query().Get("participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant address")
		return
	}

	positions, err := h.stakes.GetPositions(id, participant)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// ListPositions returns one participant's positions across all markets.
// GET /api/positions?participant=0x...&limit=50&offset=0
func (h *StakeHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	participant, err := parseAddress(r.URL.Query().Get("participant"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant address")
		return
	}
	opts := parseListOpts(r)

	positions, err := h.stakes.ListParticipantPositions(r.Context(), participant, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}
