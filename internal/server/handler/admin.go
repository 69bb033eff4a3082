package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/crypto"
	"github.com/meridianlabs/stakehouse/internal/domain"
)

// maxAttestationAge bounds how old a signed settlement decision may be.
const maxAttestationAge = 5 * time.Minute

// AdminService defines the methods that the admin handler requires from the
// service layer.
type AdminService interface {
	Resolve(ctx context.Context, caller common.Address, marketID int64, outcome bool) (domain.Market, error)
	Cancel(ctx context.Context, caller common.Address, marketID int64) (domain.Market, error)
	AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AdminHandler serves resolution, cancellation, and audit endpoints. The
// caller identity either comes from the request body directly or is
// recovered from a signed attestation; either way the engine's authorization
// checks decide whether it may act.
type AdminHandler struct {
	admin   AdminService
	chainID int
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler. chainID scopes attestation
// signatures to this deployment.
func NewAdminHandler(admin AdminService, chainID int, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:   admin,
		chainID: chainID,
		logger:  logHandler(logger, "admin"),
	}
}

// attestation is an offline-signed settlement decision.
type attestation struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"` // unix seconds, signed into the digest
}

func (a *attestation) fresh(now time.Time) bool {
	signed := time.Unix(a.Timestamp, 0)
	age := now.Sub(signed)
	return age >= -time.Minute && age <= maxAttestationAge
}

// resolveRequest is the JSON body for market resolution.
type resolveRequest struct {
	Caller      string       `json:"caller"`
	Outcome     bool         `json:"outcome"`
	Attestation *attestation `json:"attestation,omitempty"`
}

// Resolve records the true outcome of a market.
// POST /api/markets/{id}/resolve
func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var caller common.Address
	if req.Attestation != nil {
		if !req.Attestation.fresh(time.Now()) {
			writeDomainError(w, h.logger, r, fmt.Errorf("attestation expired: %w", domain.ErrUnauthorized))
			return
		}
		caller, err = crypto.RecoverResolutionSigner(h.chainID, id, req.Outcome,
			req.Attestation.Timestamp, req.Attestation.Signature)
		if err != nil {
			writeDomainError(w, h.logger, r, fmt.Errorf("invalid attestation signature: %w", domain.ErrUnauthorized))
			return
		}
	} else {
		caller, err = parseAddress(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller address")
			return
		}
	}

	m, err := h.admin.Resolve(r.Context(), caller, id, req.Outcome)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newMarketView(m))
}

// cancelRequest is the JSON body for market cancellation.
type cancelRequest struct {
	Caller      string       `json:"caller"`
	Attestation *attestation `json:"attestation,omitempty"`
}

// Cancel voids a market before resolution.
// POST /api/markets/{id}/cancel
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var caller common.Address
	if req.Attestation != nil {
		if !req.Attestation.fresh(time.Now()) {
			writeDomainError(w, h.logger, r, fmt.Errorf("attestation expired: %w", domain.ErrUnauthorized))
			return
		}
		caller, err = crypto.RecoverCancellationSigner(h.chainID, id,
			req.Attestation.Timestamp, req.Attestation.Signature)
		if err != nil {
			writeDomainError(w, h.logger, r, fmt.Errorf("invalid attestation signature: %w", domain.ErrUnauthorized))
			return
		}
	} else {
		caller, err = parseAddress(req.Caller)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid caller address")
			return
		}
	}

	m, err := h.admin.Cancel(r.Context(), caller, id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newMarketView(m))
}

// AuditTrail returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *AdminHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.AuditTrail(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: audit trail failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
