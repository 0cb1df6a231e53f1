package timelock

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AccountGuard/internal/clock"
	"AccountGuard/internal/credential"
	"AccountGuard/internal/store"
)

const account = "acct-1"

func newTestModule(t *testing.T) (*Module, *credential.Module, *clock.Manual) {
	t.Helper()
	st := store.NewMemoryStore()
	creds := credential.NewModule(st)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	m := NewModule(st, creds, clk)

	initial := credential.State{
		PrimaryKey: credential.PublicKeyHandle{Address: common.HexToAddress("0x1111111111111111111111111111111111111111")},
		Owner:      common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	if err := creds.Init(context.Background(), account, initial); err != nil {
		t.Fatalf("init account: %v", err)
	}
	return m, creds, clk
}

func ownerPayload(addr string) Payload {
	return Payload{Kind: PayloadSetOwner, NewOwner: common.HexToAddress(addr)}
}

func TestProposeAndExecute(t *testing.T) {
	m, creds, clk := newTestModule(t)
	ctx := context.Background()

	action, err := m.Propose(ctx, account, ownerPayload("0x3333333333333333333333333333333333333333"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action.ExecuteAfter != action.ProposedAt+int64(RotationDelay/time.Second) {
		t.Fatalf("unexpected schedule: %+v", action)
	}

	if _, err := m.Execute(ctx, account, action.Hash); !errors.Is(err, ErrTimelockPending) {
		t.Fatalf("expected ErrTimelockPending, got %v", err)
	}

	// One second short of the boundary is still pending.
	clk.Advance(RotationDelay - time.Second)
	if _, err := m.Execute(ctx, account, action.Hash); !errors.Is(err, ErrTimelockPending) {
		t.Fatalf("expected ErrTimelockPending at boundary minus one, got %v", err)
	}

	clk.Advance(time.Second)
	executed, err := m.Execute(ctx, account, action.Hash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed.Executed {
		t.Fatalf("executed flag should be set")
	}

	s, err := creds.State(ctx, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Owner != common.HexToAddress("0x3333333333333333333333333333333333333333") {
		t.Fatalf("owner mutation was not applied: %s", s.Owner)
	}
}

func TestExecuteIsTerminal(t *testing.T) {
	m, _, clk := newTestModule(t)
	ctx := context.Background()

	action, err := m.Propose(ctx, account, ownerPayload("0x3333333333333333333333333333333333333333"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(RotationDelay)
	if _, err := m.Execute(ctx, account, action.Hash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.Execute(ctx, account, action.Hash); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
	if _, err := m.Cancel(ctx, account, action.Hash); !errors.Is(err, ErrAlreadyExecuted) {
		t.Fatalf("expected ErrAlreadyExecuted, got %v", err)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	m, _, clk := newTestModule(t)
	ctx := context.Background()

	action, err := m.Propose(ctx, account, ownerPayload("0x3333333333333333333333333333333333333333"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Cancel(ctx, account, action.Hash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.Advance(2 * RotationDelay)
	if _, err := m.Execute(ctx, account, action.Hash); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
	if _, err := m.Cancel(ctx, account, action.Hash); !errors.Is(err, ErrAlreadyCancelled) {
		t.Fatalf("expected ErrAlreadyCancelled, got %v", err)
	}
}

func TestUnknownAction(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	if _, err := m.Execute(ctx, account, common.HexToHash("0xdead")); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
	if _, err := m.Cancel(ctx, account, common.HexToHash("0xdead")); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

func TestIdenticalPayloadsGetDistinctIDs(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	p := ownerPayload("0x3333333333333333333333333333333333333333")
	a, err := m.Propose(ctx, account, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := m.Propose(ctx, account, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Hash == b.Hash {
		t.Fatalf("identical payloads must still get unique action ids")
	}
}

func TestPendingEnumeration(t *testing.T) {
	m, _, clk := newTestModule(t)
	ctx := context.Background()

	var ids []common.Hash
	for i := 0; i < 3; i++ {
		action, err := m.Propose(ctx, account, ownerPayload("0x3333333333333333333333333333333333333333"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, action.Hash)
	}

	pending, err := m.Pending(ctx, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 live actions, got %d", len(pending))
	}

	if _, err := m.Cancel(ctx, account, ids[0]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(RotationDelay)
	if _, err := m.Execute(ctx, account, ids[1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, err = m.Pending(ctx, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].Hash != ids[2] {
		t.Fatalf("live index should only hold the remaining action: %+v", pending)
	}

	// Terminal actions stay addressable by id.
	cancelled, err := m.Action(ctx, account, ids[0])
	if err != nil || !cancelled.Cancelled {
		t.Fatalf("terminal action lookup failed: %+v %v", cancelled, err)
	}
}

func TestProposeValidatesPayload(t *testing.T) {
	m, _, _ := newTestModule(t)
	ctx := context.Background()

	cases := []Payload{
		{Kind: PayloadSetOwner},
		{Kind: PayloadSetPrimaryKey},
		{Kind: PayloadSetPrimaryKey, NewPrimaryKey: &credential.PublicKeyHandle{}},
		{Kind: PayloadAddSecondFactor, FactorX: big.NewInt(1)},
		{Kind: "unknown"},
	}
	for i, p := range cases {
		if _, err := m.Propose(ctx, account, p); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestProposeRequiresAccount(t *testing.T) {
	m, _, _ := newTestModule(t)
	if _, err := m.Propose(context.Background(), "missing", ownerPayload("0x3333333333333333333333333333333333333333")); !errors.Is(err, credential.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestExecuteAddSecondFactor(t *testing.T) {
	m, creds, clk := newTestModule(t)
	ctx := context.Background()

	action, err := m.Propose(ctx, account, Payload{
		Kind:        PayloadAddSecondFactor,
		FactorX:     big.NewInt(7),
		FactorY:     big.NewInt(11),
		FactorLabel: "hardware token",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clk.Advance(RotationDelay)
	if _, err := m.Execute(ctx, account, action.Hash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := creds.State(ctx, account)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	factor, ok := s.Factor(credential.FactorID(big.NewInt(7), big.NewInt(11)))
	if !ok || !factor.Active || factor.Label != "hardware token" {
		t.Fatalf("delayed factor add was not applied: %+v", factor)
	}
}
