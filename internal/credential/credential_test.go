package credential

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AccountGuard/internal/store"
)

func newTestModule() *Module {
	return NewModule(store.NewMemoryStore())
}

func testState() State {
	return State{
		PrimaryKey: PublicKeyHandle{Address: common.HexToAddress("0x1111111111111111111111111111111111111111")},
		Owner:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
}

func TestInitAndState(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()

	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := m.State(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.PrimaryKey.Address != testState().PrimaryKey.Address {
		t.Fatalf("unexpected primary key: %+v", s.PrimaryKey)
	}
	if s.MFAEnabled {
		t.Fatalf("MFA should default to disabled")
	}

	if err := m.Init(ctx, "acct-1", testState()); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestInitRejectsEmptyAccountAndKey(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()

	if err := m.Init(ctx, "  ", testState()); err == nil {
		t.Fatalf("expected error for blank account id")
	}
	if err := m.Init(ctx, "acct-1", State{Owner: testState().Owner}); err == nil {
		t.Fatalf("expected error for zero primary key")
	}
}

func TestInitRejectsMFAWithoutFactor(t *testing.T) {
	m := newTestModule()
	initial := testState()
	initial.MFAEnabled = true

	if err := m.Init(context.Background(), "acct-1", initial); !errors.Is(err, ErrNoActiveFactor) {
		t.Fatalf("expected ErrNoActiveFactor, got %v", err)
	}
}

func TestStateNotFound(t *testing.T) {
	m := newTestModule()
	if _, err := m.State(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAddSecondFactor(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x, y := big.NewInt(7), big.NewInt(11)
	id, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != FactorID(x, y) {
		t.Fatalf("factor id should be derived from coordinates")
	}

	if _, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone"); !errors.Is(err, ErrDuplicateFactor) {
		t.Fatalf("expected ErrDuplicateFactor, got %v", err)
	}

	s, err := m.State(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	factor, ok := s.Factor(id)
	if !ok || !factor.Active || factor.Label != "phone" {
		t.Fatalf("unexpected factor record: %+v", factor)
	}
}

func TestReAddRemovedFactorYieldsSameID(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x, y := big.NewInt(7), big.NewInt(11)
	first, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RemoveSecondFactor(ctx, "acct-1", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("re-added factor should keep its content-addressed id")
	}
}

func TestAddReactivatesInactiveFactor(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x, y := big.NewInt(7), big.NewInt(11)
	id, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.DeactivateSecondFactor(ctx, "acct-1", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.AddSecondFactor(ctx, "acct-1", x, y, "phone new"); err != nil {
		t.Fatalf("re-adding an inactive factor should reactivate it, got %v", err)
	}

	s, _ := m.State(ctx, "acct-1")
	factor, ok := s.Factor(id)
	if !ok || !factor.Active || factor.Label != "phone new" {
		t.Fatalf("unexpected factor after reactivation: %+v", factor)
	}
}

func TestMFAInvariant(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.SetMFA(ctx, "acct-1", true); !errors.Is(err, ErrNoActiveFactor) {
		t.Fatalf("expected ErrNoActiveFactor, got %v", err)
	}

	id, err := m.AddSecondFactor(ctx, "acct-1", big.NewInt(7), big.NewInt(11), "phone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.SetMFA(ctx, "acct-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.RemoveSecondFactor(ctx, "acct-1", id); !errors.Is(err, ErrLastActiveFactor) {
		t.Fatalf("expected ErrLastActiveFactor, got %v", err)
	}
	if err := m.DeactivateSecondFactor(ctx, "acct-1", id); !errors.Is(err, ErrLastActiveFactor) {
		t.Fatalf("expected ErrLastActiveFactor, got %v", err)
	}

	if err := m.SetMFA(ctx, "acct-1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RemoveSecondFactor(ctx, "acct-1", id); err != nil {
		t.Fatalf("removal should succeed once MFA is off, got %v", err)
	}
}

func TestRemoveUnknownFactor(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.RemoveSecondFactor(ctx, "acct-1", common.HexToHash("0xdead")); !errors.Is(err, ErrFactorNotFound) {
		t.Fatalf("expected ErrFactorNotFound, got %v", err)
	}
}

func TestSetPrimaryKeyAndOwner(t *testing.T) {
	m := newTestModule()
	ctx := context.Background()
	if err := m.Init(ctx, "acct-1", testState()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	next := PublicKeyHandle{X: big.NewInt(3), Y: big.NewInt(5)}
	if err := m.SetPrimaryKey(ctx, "acct-1", next); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	if err := m.SetOwner(ctx, "acct-1", owner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := m.State(ctx, "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.PrimaryKey.IsP256() || s.PrimaryKey.X.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("unexpected primary key: %+v", s.PrimaryKey)
	}
	if s.Owner != owner {
		t.Fatalf("unexpected owner: %s", s.Owner)
	}

	if err := m.SetPrimaryKey(ctx, "acct-1", PublicKeyHandle{}); err == nil {
		t.Fatalf("expected error for zero handle")
	}
	if err := m.SetOwner(ctx, "acct-1", common.Address{}); err == nil {
		t.Fatalf("expected error for zero owner")
	}
}
