// Package recovery implements the guardian-quorum recovery workflow: a
// threshold-of-guardians approval state machine that, once its own timelock
// elapses, applies the same class of credential mutation as the pending-action
// queue, by quorum instead of single-signer authority. The delay window is
// the core security property: the rightful owner can cancel with their
// existing credential, defeating a malicious guardian majority as long as
// they still control their device.
package recovery

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AccountGuard/internal/clock"
	"AccountGuard/internal/credential"
	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
	"AccountGuard/internal/timelock"
)

// DefaultPeriod is the recovery timelock applied when none is configured.
const DefaultPeriod = 24 * time.Hour

// MinPeriod is the floor enforced against misconfigured near-zero periods.
const MinPeriod = time.Hour

const (
	CodeNotGuardian       xerrors.Code = "NOT_A_GUARDIAN"
	CodeDuplicateGuardian xerrors.Code = "DUPLICATE_GUARDIAN"
	CodeGuardianNotFound  xerrors.Code = "GUARDIAN_NOT_FOUND"
	CodeInvalidThreshold  xerrors.Code = "INVALID_THRESHOLD"
	CodeAlreadyApproved   xerrors.Code = "ALREADY_APPROVED"
	CodeRequestNotFound   xerrors.Code = "RECOVERY_REQUEST_NOT_FOUND"
	CodeEmptyParams       xerrors.Code = "EMPTY_RECOVERY_PARAMS"
	CodeThresholdNotMet   xerrors.Code = "THRESHOLD_NOT_MET"
)

var (
	// ErrNotGuardian indicates the caller is not a current guardian.
	ErrNotGuardian = xerrors.New(CodeNotGuardian, "caller is not a guardian")
	// ErrDuplicateGuardian indicates the principal is already a guardian.
	ErrDuplicateGuardian = xerrors.New(CodeDuplicateGuardian, "guardian already present")
	// ErrGuardianNotFound indicates the principal is not in the guardian set.
	ErrGuardianNotFound = xerrors.New(CodeGuardianNotFound, "guardian not found")
	// ErrInvalidThreshold indicates the threshold is zero or exceeds the
	// guardian count.
	ErrInvalidThreshold = xerrors.New(CodeInvalidThreshold, "threshold must be between 1 and the guardian count")
	// ErrAlreadyApproved indicates this guardian already approved the nonce.
	ErrAlreadyApproved = xerrors.New(CodeAlreadyApproved, "guardian already approved this request")
	// ErrRequestNotFound indicates the nonce references no known request.
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "recovery request not found")
	// ErrEmptyParams indicates neither a new key nor a new owner was given.
	ErrEmptyParams = xerrors.New(CodeEmptyParams, "recovery requires a new key or a new owner")
	// ErrThresholdNotMet indicates execution was attempted before quorum.
	ErrThresholdNotMet = xerrors.New(CodeThresholdNotMet, "approval threshold not met")
)

func init() {
	xerrors.Register(CodeNotGuardian, xerrors.Attributes{Message: "caller is not a guardian", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeDuplicateGuardian, xerrors.Attributes{Message: "guardian already present", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeGuardianNotFound, xerrors.Attributes{Message: "guardian not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidThreshold, xerrors.Attributes{Message: "invalid threshold", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAlreadyApproved, xerrors.Attributes{Message: "guardian already approved this request", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{Message: "recovery request not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeEmptyParams, xerrors.Attributes{Message: "empty recovery parameters", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeThresholdNotMet, xerrors.Attributes{Message: "approval threshold not met", Severity: xerrors.SeverityInfo})
}

// Request is one recovery attempt, keyed by a strictly increasing per-account
// nonce. Executed and Cancelled are absorbing states.
type Request struct {
	Nonce         uint64                  `json:"nonce"`
	NewKeyX       *big.Int                `json:"new_key_x,omitempty"`
	NewKeyY       *big.Int                `json:"new_key_y,omitempty"`
	NewOwner      common.Address          `json:"new_owner"`
	Approvals     map[common.Address]bool `json:"approvals"`
	ApprovalCount int                     `json:"approval_count"`
	ThresholdMet  bool                    `json:"threshold_met"`
	ExecuteAfter  int64                   `json:"execute_after"`
	Executed      bool                    `json:"executed"`
	Cancelled     bool                    `json:"cancelled"`
}

func (r *Request) terminal() error {
	if r.Executed {
		return timelock.ErrAlreadyExecuted
	}
	if r.Cancelled {
		return timelock.ErrAlreadyCancelled
	}
	return nil
}

// State is the recovery module's per-account record.
type State struct {
	Guardians     []common.Address    `json:"guardians,omitempty"`
	Threshold     int                 `json:"threshold"`
	PeriodSeconds int64               `json:"period_seconds"`
	NextNonce     uint64              `json:"next_nonce"`
	Requests      map[uint64]*Request `json:"requests,omitempty"`
}

// IsGuardian reports whether g is in the guardian set.
func (s *State) IsGuardian(g common.Address) bool {
	for _, candidate := range s.Guardians {
		if candidate == g {
			return true
		}
	}
	return false
}

// Config carries the initial guardian setup for an account.
type Config struct {
	Guardians []common.Address
	Threshold int
	Period    time.Duration
}

// Module is the guardian recovery workflow.
type Module struct {
	store store.Store
	creds *credential.Module
	clock clock.Clock
}

// NewModule creates a recovery module.
func NewModule(st store.Store, creds *credential.Module, clk clock.Clock) *Module {
	return &Module{store: st, creds: creds, clock: clk}
}

// Configure installs the guardian set, threshold and timelock period for an
// account. The period is clamped to MinPeriod; zero falls back to
// DefaultPeriod.
func (m *Module) Configure(ctx context.Context, account string, cfg Config) error {
	if _, err := m.creds.State(ctx, account); err != nil {
		return err
	}
	if len(cfg.Guardians) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "at least one guardian is required")
	}
	seen := make(map[common.Address]bool, len(cfg.Guardians))
	for _, g := range cfg.Guardians {
		if g == (common.Address{}) {
			return xerrors.New(xerrors.CodeInvalidArgument, "guardian cannot be the zero address")
		}
		if seen[g] {
			return ErrDuplicateGuardian
		}
		seen[g] = true
	}
	if cfg.Threshold < 1 || cfg.Threshold > len(cfg.Guardians) {
		return ErrInvalidThreshold
	}
	state, err := m.load(ctx, account)
	if err != nil {
		return err
	}
	state.Guardians = append([]common.Address(nil), cfg.Guardians...)
	state.Threshold = cfg.Threshold
	state.PeriodSeconds = int64(clampPeriod(cfg.Period) / time.Second)
	return m.store.Save(ctx, account, store.NamespaceRecovery, state)
}

// State loads the recovery record for an account.
func (m *Module) State(ctx context.Context, account string) (*State, error) {
	return m.load(ctx, account)
}

// IsGuardian reports whether g currently guards the account.
func (m *Module) IsGuardian(ctx context.Context, account string, g common.Address) (bool, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return false, err
	}
	return state.IsGuardian(g), nil
}

// AddGuardian appends a new guardian. Authenticated account operation.
func (m *Module) AddGuardian(ctx context.Context, account string, g common.Address) error {
	if g == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "guardian cannot be the zero address")
	}
	state, err := m.load(ctx, account)
	if err != nil {
		return err
	}
	if state.IsGuardian(g) {
		return ErrDuplicateGuardian
	}
	state.Guardians = append(state.Guardians, g)
	return m.store.Save(ctx, account, store.NamespaceRecovery, state)
}

// RemoveGuardian removes g from the set by swap-and-truncate. The threshold
// is never auto-corrected: shrinking the set below the configured threshold
// is rejected until SetThreshold lowers it explicitly.
func (m *Module) RemoveGuardian(ctx context.Context, account string, g common.Address) error {
	state, err := m.load(ctx, account)
	if err != nil {
		return err
	}
	idx := -1
	for i, candidate := range state.Guardians {
		if candidate == g {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrGuardianNotFound
	}
	if len(state.Guardians)-1 < state.Threshold {
		return ErrInvalidThreshold
	}
	last := len(state.Guardians) - 1
	state.Guardians[idx] = state.Guardians[last]
	state.Guardians = state.Guardians[:last]
	return m.store.Save(ctx, account, store.NamespaceRecovery, state)
}

// SetThreshold updates the quorum size. Rejects zero and values above the
// guardian count.
func (m *Module) SetThreshold(ctx context.Context, account string, n int) error {
	state, err := m.load(ctx, account)
	if err != nil {
		return err
	}
	if n < 1 || n > len(state.Guardians) {
		return ErrInvalidThreshold
	}
	state.Threshold = n
	return m.store.Save(ctx, account, store.NamespaceRecovery, state)
}

// Initiate opens a recovery request at the next nonce. The caller must be a
// guardian; their approval is recorded implicitly and the threshold is
// checked immediately, which settles the threshold == 1 case in one call.
func (m *Module) Initiate(ctx context.Context, account string, caller common.Address, newKeyX, newKeyY *big.Int, newOwner common.Address) (*Request, error) {
	hasKey := newKeyX != nil && newKeyY != nil
	if !hasKey && newOwner == (common.Address{}) {
		return nil, ErrEmptyParams
	}
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	if !state.IsGuardian(caller) {
		return nil, ErrNotGuardian
	}
	req := &Request{
		Nonce:         state.NextNonce,
		NewOwner:      newOwner,
		Approvals:     map[common.Address]bool{caller: true},
		ApprovalCount: 1,
	}
	if hasKey {
		req.NewKeyX = newKeyX
		req.NewKeyY = newKeyY
	}
	state.NextNonce++
	m.checkThreshold(state, req)
	if state.Requests == nil {
		state.Requests = make(map[uint64]*Request)
	}
	state.Requests[req.Nonce] = req
	if err := m.store.Save(ctx, account, store.NamespaceRecovery, state); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve records one guardian approval on a non-terminal request and
// re-checks the threshold.
func (m *Module) Approve(ctx context.Context, account string, caller common.Address, nonce uint64) (*Request, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	if !state.IsGuardian(caller) {
		return nil, ErrNotGuardian
	}
	req, ok := state.Requests[nonce]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := req.terminal(); err != nil {
		return nil, err
	}
	if req.Approvals[caller] {
		return nil, ErrAlreadyApproved
	}
	req.Approvals[caller] = true
	req.ApprovalCount++
	m.checkThreshold(state, req)
	if err := m.store.Save(ctx, account, store.NamespaceRecovery, state); err != nil {
		return nil, err
	}
	return req, nil
}

// Execute applies a matured request to the credential record. Callable by
// anyone once the threshold is met and the delay has elapsed.
func (m *Module) Execute(ctx context.Context, account string, nonce uint64) (*Request, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	req, ok := state.Requests[nonce]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := req.terminal(); err != nil {
		return nil, err
	}
	if !req.ThresholdMet {
		return nil, ErrThresholdNotMet
	}
	if m.clock.Now().Unix() < req.ExecuteAfter {
		return nil, timelock.ErrTimelockPending
	}
	if req.NewKeyX != nil && req.NewKeyY != nil {
		handle := credential.PublicKeyHandle{X: req.NewKeyX, Y: req.NewKeyY}
		if err := m.creds.SetPrimaryKey(ctx, account, handle); err != nil {
			return nil, err
		}
		// The recovered key doubles as an active second factor so MFA
		// accounts stay usable after the swap.
		if _, err := m.creds.AddSecondFactor(ctx, account, req.NewKeyX, req.NewKeyY, "recovered"); err != nil &&
			!errors.Is(err, credential.ErrDuplicateFactor) {
			return nil, err
		}
	}
	if req.NewOwner != (common.Address{}) {
		if err := m.creds.SetOwner(ctx, account, req.NewOwner); err != nil {
			return nil, err
		}
	}
	req.Executed = true
	if err := m.store.Save(ctx, account, store.NamespaceRecovery, state); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel marks a request cancelled. Reachable only through the account's own
// authenticated path; the engine validates the owner's current credential
// before invoking this.
func (m *Module) Cancel(ctx context.Context, account string, nonce uint64) (*Request, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	req, ok := state.Requests[nonce]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := req.terminal(); err != nil {
		return nil, err
	}
	req.Cancelled = true
	if err := m.store.Save(ctx, account, store.NamespaceRecovery, state); err != nil {
		return nil, err
	}
	return req, nil
}

// Request returns one request by nonce.
func (m *Module) Request(ctx context.Context, account string, nonce uint64) (*Request, error) {
	state, err := m.load(ctx, account)
	if err != nil {
		return nil, err
	}
	req, ok := state.Requests[nonce]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// checkThreshold fires at most once per request: the first time the approval
// count reaches the threshold it stamps ExecuteAfter; later calls are no-ops,
// so the delay window is never extended by further approvals.
func (m *Module) checkThreshold(state *State, req *Request) {
	if req.ThresholdMet {
		return
	}
	if req.ApprovalCount >= state.Threshold {
		req.ThresholdMet = true
		period := time.Duration(state.PeriodSeconds) * time.Second
		req.ExecuteAfter = m.clock.Now().Add(clampPeriod(period)).Unix()
	}
}

func (m *Module) load(ctx context.Context, account string) (*State, error) {
	var state State
	err := m.store.Load(ctx, account, store.NamespaceRecovery, &state)
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	return &state, nil
}

func clampPeriod(period time.Duration) time.Duration {
	if period <= 0 {
		return DefaultPeriod
	}
	if period < MinPeriod {
		return MinPeriod
	}
	return period
}
