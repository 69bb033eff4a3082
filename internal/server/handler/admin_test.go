package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/domain"
)

type stubAdminService struct {
	resolves int
	cancels  int
}

func (s *stubAdminService) Resolve(_ context.Context, _ common.Address, marketID int64, outcome bool) (domain.Market, error) {
	s.resolves++
	return domain.Market{ID: marketID, Resolved: true, Outcome: outcome}, nil
}

func (s *stubAdminService) Cancel(_ context.Context, _ common.Address, marketID int64) (domain.Market, error) {
	s.cancels++
	return domain.Market{ID: marketID, Cancelled: true}, nil
}

func (s *stubAdminService) AuditTrail(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func adminRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/markets/7/resolve", strings.NewReader(body))
	r.SetPathValue("id", "7")
	return r
}

func TestResolveRejectsBadAttestationSignature(t *testing.T) {
	svc := &stubAdminService{}
	h := NewAdminHandler(svc, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body := `{"outcome":true,"attestation":{"signature":"0xdeadbeef","timestamp":` +
		formatUnix(time.Now()) + `}}`
	w := httptest.NewRecorder()
	h.Resolve(w, adminRequest(t, body))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if svc.resolves != 0 {
		t.Fatalf("Resolve reached the service on a bad signature")
	}
}

func TestResolveRejectsStaleAttestation(t *testing.T) {
	svc := &stubAdminService{}
	h := NewAdminHandler(svc, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	body := `{"outcome":true,"attestation":{"signature":"0xdeadbeef","timestamp":` +
		formatUnix(time.Now().Add(-time.Hour)) + `}}`
	w := httptest.NewRecorder()
	h.Resolve(w, adminRequest(t, body))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if svc.resolves != 0 {
		t.Fatalf("Resolve reached the service on a stale attestation")
	}
}

func formatUnix(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}
