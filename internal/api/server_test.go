package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AccountGuard/internal/credential"
	"AccountGuard/internal/engine"
	"AccountGuard/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	eng, err := engine.New(engine.Config{Store: store.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return NewServer(":0", eng)
}

func TestHandleAccountsCreateAndFetch(t *testing.T) {
	server := newTestServer(t)

	body := `{"account":"acct-1","primary_key":"0x1111111111111111111111111111111111111111","owner":"0x2222222222222222222222222222222222222222"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.handleAccounts(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/accounts?account=acct-1", nil)
	rec = httptest.NewRecorder()
	server.handleAccounts(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d body %s", rec.Code, rec.Body.String())
	}

	var state credential.State
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.Owner != common.HexToAddress("0x2222222222222222222222222222222222222222") {
		t.Fatalf("unexpected owner: %s", state.Owner)
	}
}

func TestHandleAccountsErrors(t *testing.T) {
	server := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/accounts", nil)
		rec := httptest.NewRecorder()
		server.handleAccounts(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		server.handleAccounts(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts?account=missing", nil)
		rec := httptest.NewRecorder()
		server.handleAccounts(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != "ACCOUNT_NOT_FOUND" {
			t.Fatalf("unexpected error code: %s", body.Code)
		}
	})

	t.Run("duplicate account", func(t *testing.T) {
		body := `{"account":"acct-dup","primary_key":"0x1111111111111111111111111111111111111111"}`
		for i, want := range []int{http.StatusOK, http.StatusConflict} {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(body))
			rec := httptest.NewRecorder()
			server.handleAccounts(rec, req)
			if rec.Code != want {
				t.Fatalf("attempt %d: expected status %d, got %d", i, want, rec.Code)
			}
		}
	})
}

func TestHandleVerifySignature(t *testing.T) {
	server := newTestServer(t)

	create := `{"account":"acct-1","primary_key":"0x1111111111111111111111111111111111111111"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(create))
	rec := httptest.NewRecorder()
	server.handleAccounts(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create account: %d", rec.Code)
	}

	// A garbage signature is a clean "false", not an error.
	body := `{"account":"acct-1","intent_hash":"0x01","signature":"0x0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000ff"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/signatures/verify", strings.NewReader(body))
	rec = httptest.NewRecorder()
	server.handleVerifySignature(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d body %s", rec.Code, rec.Body.String())
	}
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["valid"] {
		t.Fatalf("garbage signature must not validate")
	}

	t.Run("bad hex", func(t *testing.T) {
		body := `{"account":"acct-1","intent_hash":"0x01","signature":"zzz"}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/signatures/verify", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.handleVerifySignature(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleTimelockRequiresAuthorization(t *testing.T) {
	server := newTestServer(t)

	create := `{"account":"acct-1","primary_key":"0x1111111111111111111111111111111111111111"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(create))
	rec := httptest.NewRecorder()
	server.handleAccounts(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create account: %d", rec.Code)
	}

	// No signature at all: the blob fails layout checks before anything else.
	body := `{"account":"acct-1","kind":"set_owner","new_owner":"0x3333333333333333333333333333333333333333"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/timelock", strings.NewReader(body))
	rec = httptest.NewRecorder()
	server.handleTimelock(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d body %s", http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	// Pending enumeration stays open to reads.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/timelock?account=acct-1", nil)
	rec = httptest.NewRecorder()
	server.handleTimelock(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: got %d body %s", rec.Code, rec.Body.String())
	}
}
