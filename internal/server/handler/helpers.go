package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a settlement error to an HTTP status and writes it.
// Unknown errors become a 500 with a generic message so internals never leak.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrInvalidDeadline),
		errors.Is(err, domain.ErrZeroStake),
		errors.Is(err, domain.ErrStakeTooSmall),
		errors.Is(err, domain.ErrStakeTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotAuthority),
		errors.Is(err, domain.ErrNotCreator),
		errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrStakingClosed),
		errors.Is(err, domain.ErrResolveTooEarly),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrMarketNotSettled),
		errors.Is(err, domain.ErrCreatorStake),
		errors.Is(err, domain.ErrAlreadyClaimed),
		errors.Is(err, domain.ErrNoStakeToRefund),
		errors.Is(err, domain.ErrUserIsNotWinner),
		errors.Is(err, domain.ErrSlippage):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEscrowRejected):
		logger.ErrorContext(r.Context(), "handler: escrow transfer rejected",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "escrow transfer rejected")
	default:
		logger.ErrorContext(r.Context(), "handler: internal error",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathMarketID extracts and parses the {id} path parameter.
func pathMarketID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return 0, errors.New("missing market id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid market id")
	}
	return id, nil
}

// parseAmount parses a positive integer amount in micro-units.
func parseAmount(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("missing amount")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("invalid amount")
	}
	return n, nil
}

// parseAddress validates and parses a 0x-prefixed 20-byte hex address.
func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(raw), nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
