// Package timelock implements the generic propose / execute-after-delay /
// cancel queue for sensitive credential mutations. Proposing and cancelling
// require the account's authorization path; executing is permissionless once
// the delay has elapsed, since the value being protected is the delay itself,
// not the executor's identity.
package timelock

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"AccountGuard/internal/clock"
	"AccountGuard/internal/credential"
	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
)

// RotationDelay is the fixed delay applied to every proposed mutation. It is
// a module-level constant, not configurable per call.
const RotationDelay = 24 * time.Hour

const (
	CodeActionNotFound   xerrors.Code = "ACTION_NOT_FOUND"
	CodeAlreadyExecuted  xerrors.Code = "ALREADY_EXECUTED"
	CodeAlreadyCancelled xerrors.Code = "ALREADY_CANCELLED"
	CodeTimelockPending  xerrors.Code = "TIMELOCK_PENDING"
)

var (
	// ErrActionNotFound indicates the action id is unknown for the account.
	ErrActionNotFound = xerrors.New(CodeActionNotFound, "pending action not found")
	// ErrAlreadyExecuted indicates the action or request reached its executed
	// absorbing state.
	ErrAlreadyExecuted = xerrors.New(CodeAlreadyExecuted, "already executed")
	// ErrAlreadyCancelled indicates the action or request reached its
	// cancelled absorbing state.
	ErrAlreadyCancelled = xerrors.New(CodeAlreadyCancelled, "already cancelled")
	// ErrTimelockPending indicates the delay window has not elapsed yet.
	ErrTimelockPending = xerrors.New(CodeTimelockPending, "timelock has not elapsed")
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{Message: "pending action not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyExecuted, xerrors.Attributes{Message: "already executed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAlreadyCancelled, xerrors.Attributes{Message: "already cancelled", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTimelockPending, xerrors.Attributes{Message: "timelock has not elapsed", Severity: xerrors.SeverityInfo, Retryable: true})
}

// PayloadKind enumerates the supported delayed mutations.
type PayloadKind string

const (
	PayloadSetPrimaryKey   PayloadKind = "set_primary_key"
	PayloadSetOwner        PayloadKind = "set_owner"
	PayloadAddSecondFactor PayloadKind = "add_second_factor"
)

// Payload is the mutation a pending action applies on execution.
type Payload struct {
	Kind          PayloadKind                  `json:"kind"`
	NewPrimaryKey *credential.PublicKeyHandle  `json:"new_primary_key,omitempty"`
	NewOwner      common.Address               `json:"new_owner,omitempty"`
	FactorX       *big.Int                     `json:"factor_x,omitempty"`
	FactorY       *big.Int                     `json:"factor_y,omitempty"`
	FactorLabel   string                       `json:"factor_label,omitempty"`
}

func (p Payload) validate() error {
	switch p.Kind {
	case PayloadSetPrimaryKey:
		if p.NewPrimaryKey == nil || p.NewPrimaryKey.IsZero() {
			return xerrors.New(xerrors.CodeInvalidArgument, "new primary key is required")
		}
	case PayloadSetOwner:
		if p.NewOwner == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "new owner is required")
		}
	case PayloadAddSecondFactor:
		if p.FactorX == nil || p.FactorY == nil {
			return xerrors.New(xerrors.CodeInvalidArgument, "factor coordinates are required")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported payload kind")
	}
	return nil
}

// Action is a proposed, not-yet-applied mutation. Executed and Cancelled are
// absorbing: once either is set the action never transitions again.
type Action struct {
	Hash         common.Hash `json:"hash"`
	Payload      Payload     `json:"payload"`
	ProposedAt   int64       `json:"proposed_at"`
	ExecuteAfter int64       `json:"execute_after"`
	Executed     bool        `json:"executed"`
	Cancelled    bool        `json:"cancelled"`
}

// State is the timelock module's per-account record. Live is the index of
// pending actions; an action leaves it the moment it executes or cancels.
type State struct {
	Actions map[common.Hash]*Action `json:"actions,omitempty"`
	Live    []common.Hash           `json:"live,omitempty"`
}

// Module is the pending-action timelock.
type Module struct {
	store store.Store
	creds *credential.Module
	clock clock.Clock
}

// NewModule creates a timelock module.
func NewModule(st store.Store, creds *credential.Module, clk clock.Clock) *Module {
	return &Module{store: st, creds: creds, clock: clk}
}

// Propose queues a mutation and returns the stored action. The id is derived
// from the account, the payload and a fresh random nonce, so two proposals
// with identical payloads never collide.
func (m *Module) Propose(ctx context.Context, account string, p Payload) (*Action, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, err := m.creds.State(ctx, account); err != nil {
		return nil, err
	}
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode payload")
	}
	salt := uuid.New()
	id := crypto.Keccak256Hash([]byte(account), encoded, salt[:])

	now := m.clock.Now().Unix()
	action := &Action{
		Hash:         id,
		Payload:      p,
		ProposedAt:   now,
		ExecuteAfter: now + int64(RotationDelay/time.Second),
	}
	if state.Actions == nil {
		state.Actions = make(map[common.Hash]*Action)
	}
	state.Actions[id] = action
	state.Live = append(state.Live, id)
	if err := m.store.Save(ctx, account, store.NamespaceTimelock, state); err != nil {
		return nil, err
	}
	return action, nil
}

// Cancel marks a pending action cancelled. The engine authorizes the caller
// against the current credential before invoking this.
func (m *Module) Cancel(ctx context.Context, account string, id common.Hash) (*Action, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	action, err := livePending(state, id)
	if err != nil {
		return nil, err
	}
	action.Cancelled = true
	dropLive(state, id)
	if err := m.store.Save(ctx, account, store.NamespaceTimelock, state); err != nil {
		return nil, err
	}
	return action, nil
}

// Execute applies a due action's mutation to the credential record. Callable
// by anyone; the only gates are the delay and the terminal-state flags, and
// the executed flag makes double application structurally impossible.
func (m *Module) Execute(ctx context.Context, account string, id common.Hash) (*Action, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	action, err := livePending(state, id)
	if err != nil {
		return nil, err
	}
	if m.clock.Now().Unix() < action.ExecuteAfter {
		return nil, ErrTimelockPending
	}
	if err := m.apply(ctx, account, action.Payload); err != nil {
		return nil, err
	}
	action.Executed = true
	dropLive(state, id)
	if err := m.store.Save(ctx, account, store.NamespaceTimelock, state); err != nil {
		return nil, err
	}
	return action, nil
}

// Action returns a single action by id, live or terminal.
func (m *Module) Action(ctx context.Context, account string, id common.Hash) (*Action, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	action, ok := state.Actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return action, nil
}

// Pending enumerates the live actions. Order is not significant and not
// stable across removals.
func (m *Module) Pending(ctx context.Context, account string) ([]*Action, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]*Action, 0, len(state.Live))
	for _, id := range state.Live {
		if action, ok := state.Actions[id]; ok {
			out = append(out, action)
		}
	}
	return out, nil
}

func (m *Module) apply(ctx context.Context, account string, p Payload) error {
	switch p.Kind {
	case PayloadSetPrimaryKey:
		return m.creds.SetPrimaryKey(ctx, account, *p.NewPrimaryKey)
	case PayloadSetOwner:
		return m.creds.SetOwner(ctx, account, p.NewOwner)
	case PayloadAddSecondFactor:
		_, err := m.creds.AddSecondFactor(ctx, account, p.FactorX, p.FactorY, p.FactorLabel)
		return err
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported payload kind")
	}
}

func (m *Module) load(ctx context.Context, account string) (*State, error) {
	var state State
	err := m.store.Load(ctx, account, store.NamespaceTimelock, &state)
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	return &state, nil
}

func livePending(state *State, id common.Hash) (*Action, error) {
	action, ok := state.Actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	if action.Executed {
		return nil, ErrAlreadyExecuted
	}
	if action.Cancelled {
		return nil, ErrAlreadyCancelled
	}
	return action, nil
}

// dropLive removes id from the live index by swapping the last entry into its
// slot. O(1), at the cost of enumeration order stability.
func dropLive(state *State, id common.Hash) {
	for i, candidate := range state.Live {
		if candidate == id {
			last := len(state.Live) - 1
			state.Live[i] = state.Live[last]
			state.Live = state.Live[:last]
			return
		}
	}
}
