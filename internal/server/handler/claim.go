package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimService defines the methods that the claim handler requires from the
// service layer.
type ClaimService interface {
	Claim(ctx context.Context, participant common.Address, marketID int64) (int64, error)
	IsClaimable(marketID int64, participant common.Address) bool
	GetTotalClaimed(ctx context.Context, participant common.Address) int64
}

// ClaimHandler serves claim HTTP endpoints.
type ClaimHandler struct {
	claims ClaimService
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler with the given service and logger.
func NewClaimHandler(claims ClaimService, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{
		claims: claims,
		logger: logHandler(logger, "claim"),
	}
}

// claimRequest is the JSON body for claiming payouts or refunds.
type claimRequest struct {
	Participant string `json:"participant"`
}

// Claim settles everything the participant is owed on a terminal market.
// POST /api/markets/{id}/claims
func (h *ClaimHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	participant, err := parseAddress(req.Participant)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant address")
		return
	}

	total, err := h.claims.Claim(r.Context(), participant, id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": participant.Hex(),
		"total":       total,
	})
}

// IsClaimable reports whether the participant has anything left to claim.
// GET /api/markets/{id}/claimable?participant=0x...
func (h *ClaimHandler) IsClaimable(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": participant.Hex(),
		"claimable":   h.claims.IsClaimable(id, participant),
	})
}

// GetTotalClaimed returns the participant's lifetime claimed total.
// GET /api/participants/{address}/total-claimed
func (h *ClaimHandler) GetTotalClaimed(w http.ResponseWriter, r *http.Request) {
	participant, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid participant address")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"participant":   participant.Hex(),
		"total_claimed": h.claims.GetTotalClaimed(r.Context(), participant),
	})
}
