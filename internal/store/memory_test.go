package store

import (
	"context"
	"errors"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	in := record{Name: "alpha", Count: 3}
	if err := st.Save(ctx, "acct-1", NamespaceCredential, &in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out record
	if err := st.Load(ctx, "acct-1", NamespaceCredential, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestMemoryStoreMissing(t *testing.T) {
	st := NewMemoryStore()
	var out record
	if err := st.Load(context.Background(), "acct-1", NamespaceCredential, &out); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestMemoryStoreNamespaceIsolation(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.Save(ctx, "acct-1", NamespaceCredential, &record{Name: "cred"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.Save(ctx, "acct-1", NamespaceTimelock, &record{Name: "lock"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out record
	if err := st.Load(ctx, "acct-1", NamespaceRecovery, &out); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("namespaces must be isolated, got %v", err)
	}
	if err := st.Load(ctx, "acct-1", NamespaceTimelock, &out); err != nil || out.Name != "lock" {
		t.Fatalf("unexpected result: %+v %v", out, err)
	}

	// Same namespace, different account.
	if err := st.Load(ctx, "acct-2", NamespaceTimelock, &out); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("accounts must be isolated, got %v", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	if err := st.Save(ctx, "acct-1", NamespaceCredential, &record{Name: "cred"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.Delete(ctx, "acct-1", NamespaceCredential); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out record
	if err := st.Load(ctx, "acct-1", NamespaceCredential, &out); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound after delete, got %v", err)
	}
}
