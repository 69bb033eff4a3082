package treasury

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meridianlabs/stakehouse/internal/crypto"
)

var account = common.HexToAddress("0x0000000000000000000000000000000000000042")

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	auth := &crypto.HMACAuth{Key: "test-key", Secret: "test-secret"}
	client := NewClient(srv.URL, auth)
	client.retryDelay = time.Millisecond
	return client, srv
}

func TestDepositSendsSignedIdempotentRequest(t *testing.T) {
	var got struct {
		path    string
		idem    string
		authKey string
		body    transferRequest
	}
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.idem = r.Header.Get("Idempotency-Key")
		got.authKey = r.Header.Get("X-Treasury-Key")
		if r.Header.Get("X-Treasury-Signature") == "" {
			t.Error("missing signature header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got.body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	if err := client.Deposit(context.Background(), account, 5000, "stake:1:0x42:believer"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if got.path != "/escrow/deposits" {
		t.Errorf("path = %s, want /escrow/deposits", got.path)
	}
	if got.idem != "stake:1:0x42:believer" {
		t.Errorf("idempotency key = %s", got.idem)
	}
	if got.authKey != "test-key" {
		t.Errorf("auth key = %s", got.authKey)
	}
	if got.body.Amount != 5000 || got.body.Account != account.Hex() {
		t.Errorf("body = %+v", got.body)
	}
}

func TestWithdrawTreatsConflictAsAlreadyApplied(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	defer srv.Close()

	if err := client.Withdraw(context.Background(), account, 7000, "claim:1:0x42"); err != nil {
		t.Fatalf("replayed withdraw must succeed, got %v", err)
	}
}

func TestWithdrawRetriesServerErrors(t *testing.T) {
	var hits int
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	if err := client.Withdraw(context.Background(), account, 7000, "claim:1:0x42"); err != nil {
		t.Fatalf("Withdraw after transient failures: %v", err)
	}
	if hits != 3 {
		t.Fatalf("treasury saw %d requests, want 3", hits)
	}
}

func TestTransferErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{"insufficient funds", http.StatusUnprocessableEntity},
		{"unauthorized", http.StatusUnauthorized},
		{"rate limited", http.StatusTooManyRequests},
		{"server error", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(errorResponse{Code: "err", Message: tc.name})
			})
			defer srv.Close()

			if err := client.Deposit(context.Background(), account, 100, "ref"); err == nil {
				t.Fatalf("status %d must map to an error", tc.status)
			}
		})
	}
}

func TestHMACRoundTrip(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	headers := auth.HeadersAt(http.MethodPost, "/escrow/deposits", `{"amount":1}`, 1700000000)

	if !auth.Verify(http.MethodPost, "/escrow/deposits", `{"amount":1}`,
		headers["X-Treasury-Timestamp"], headers["X-Treasury-Signature"]) {
		t.Fatal("signature must verify against the same message")
	}
	if auth.Verify(http.MethodPost, "/escrow/deposits", `{"amount":2}`,
		headers["X-Treasury-Timestamp"], headers["X-Treasury-Signature"]) {
		t.Fatal("signature must not verify a tampered body")
	}
}
