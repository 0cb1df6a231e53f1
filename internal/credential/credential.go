// Package credential owns the per-account credential record: the primary
// authorizing key, the set of named second factors and the MFA policy flag.
package credential

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
)

const (
	CodeAccountNotFound  xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists    xerrors.Code = "ACCOUNT_EXISTS"
	CodeDuplicateFactor  xerrors.Code = "DUPLICATE_SECOND_FACTOR"
	CodeFactorNotFound   xerrors.Code = "SECOND_FACTOR_NOT_FOUND"
	CodeLastActiveFactor xerrors.Code = "LAST_ACTIVE_FACTOR"
	CodeNoActiveFactor   xerrors.Code = "NO_ACTIVE_FACTOR"
)

var (
	// ErrAccountNotFound indicates no credential record exists for the account.
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrAccountExists indicates the account already has a credential record.
	ErrAccountExists = xerrors.New(CodeAccountExists, "account already initialised")
	// ErrDuplicateFactor indicates the factor is already registered and active.
	ErrDuplicateFactor = xerrors.New(CodeDuplicateFactor, "second factor already registered")
	// ErrFactorNotFound indicates the referenced second factor does not exist.
	ErrFactorNotFound = xerrors.New(CodeFactorNotFound, "second factor not found")
	// ErrLastActiveFactor indicates removal would leave MFA enabled with no
	// active factor.
	ErrLastActiveFactor = xerrors.New(CodeLastActiveFactor, "cannot remove last active factor while MFA is enabled")
	// ErrNoActiveFactor indicates MFA cannot be enabled without an active factor.
	ErrNoActiveFactor = xerrors.New(CodeNoActiveFactor, "MFA requires at least one active second factor")
)

func init() {
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{Message: "account not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAccountExists, xerrors.Attributes{Message: "account already initialised", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeDuplicateFactor, xerrors.Attributes{Message: "second factor already registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeFactorNotFound, xerrors.Attributes{Message: "second factor not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeLastActiveFactor, xerrors.Attributes{Message: "cannot remove last active factor while MFA is enabled", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeNoActiveFactor, xerrors.Attributes{Message: "MFA requires at least one active second factor", Severity: xerrors.SeverityWarning})
}

// PublicKeyHandle identifies the account's primary credential. Exactly one
// form is populated: a secp256k1 address (signatures verified by recovery) or
// a P-256 coordinate pair (signatures verified directly against X/Y).
type PublicKeyHandle struct {
	Address common.Address `json:"address"`
	X       *big.Int       `json:"x,omitempty"`
	Y       *big.Int       `json:"y,omitempty"`
}

// IsP256 reports whether the handle holds a P-256 coordinate pair.
func (h PublicKeyHandle) IsP256() bool {
	return h.X != nil && h.Y != nil
}

// IsZero reports whether the handle is entirely unset.
func (h PublicKeyHandle) IsZero() bool {
	return h.Address == (common.Address{}) && !h.IsP256()
}

// SecondFactor is an additional public-key credential verified through a
// challenge-binding assertion.
type SecondFactor struct {
	ID     common.Hash `json:"id"`
	X      *big.Int    `json:"x"`
	Y      *big.Int    `json:"y"`
	Label  string      `json:"label,omitempty"`
	Active bool        `json:"active"`
}

// FactorID derives the content-addressed identifier of a second factor from
// its public key coordinates. Re-adding an identical key after removal yields
// the same id.
func FactorID(x, y *big.Int) common.Hash {
	return crypto.Keccak256Hash(math.PaddedBigBytes(x, 32), math.PaddedBigBytes(y, 32))
}

// State is the credential module's per-account record.
type State struct {
	PrimaryKey    PublicKeyHandle `json:"primary_key"`
	Owner         common.Address  `json:"owner"`
	SecondFactors []SecondFactor  `json:"second_factors,omitempty"`
	MFAEnabled    bool            `json:"mfa_enabled"`
}

// Factor returns the second factor with the given id, if present.
func (s *State) Factor(id common.Hash) (*SecondFactor, bool) {
	for i := range s.SecondFactors {
		if s.SecondFactors[i].ID == id {
			return &s.SecondFactors[i], true
		}
	}
	return nil, false
}

// ActiveFactors counts the currently active second factors.
func (s *State) ActiveFactors() int {
	n := 0
	for i := range s.SecondFactors {
		if s.SecondFactors[i].Active {
			n++
		}
	}
	return n
}

// Module exposes the credential mutations. Authorization is the caller's
// concern: the engine validates signatures before invoking any mutation here.
type Module struct {
	store store.Store
}

// NewModule creates a credential module backed by the given store.
func NewModule(st store.Store) *Module {
	return &Module{store: st}
}

// Init creates the credential record for a new account.
func (m *Module) Init(ctx context.Context, account string, initial State) error {
	if strings.TrimSpace(account) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "account id cannot be empty")
	}
	if initial.PrimaryKey.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "primary key is required")
	}
	var existing State
	err := m.store.Load(ctx, account, store.NamespaceCredential, &existing)
	if err == nil {
		return ErrAccountExists
	}
	if !isNotFound(err) {
		return err
	}
	if initial.MFAEnabled && countActive(initial.SecondFactors) == 0 {
		return ErrNoActiveFactor
	}
	for i := range initial.SecondFactors {
		f := &initial.SecondFactors[i]
		f.ID = FactorID(f.X, f.Y)
	}
	return m.store.Save(ctx, account, store.NamespaceCredential, &initial)
}

// State loads the credential record for an account.
func (m *Module) State(ctx context.Context, account string) (*State, error) {
	var s State
	if err := m.store.Load(ctx, account, store.NamespaceCredential, &s); err != nil {
		if isNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &s, nil
}

// SetPrimaryKey replaces the account's primary credential. Invoked only by
// the timelock or recovery execution paths, never synchronously.
func (m *Module) SetPrimaryKey(ctx context.Context, account string, key PublicKeyHandle) error {
	if key.IsZero() {
		return xerrors.New(xerrors.CodeInvalidArgument, "primary key is required")
	}
	s, err := m.State(ctx, account)
	if err != nil {
		return err
	}
	s.PrimaryKey = key
	return m.store.Save(ctx, account, store.NamespaceCredential, s)
}

// SetOwner replaces the account's owner principal. Invoked only by the
// timelock or recovery execution paths.
func (m *Module) SetOwner(ctx context.Context, account string, owner common.Address) error {
	if owner == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "owner cannot be the zero address")
	}
	s, err := m.State(ctx, account)
	if err != nil {
		return err
	}
	s.Owner = owner
	return m.store.Save(ctx, account, store.NamespaceCredential, s)
}

// AddSecondFactor registers a new active second factor and returns its
// content-addressed id. An identical active factor is rejected as duplicate.
func (m *Module) AddSecondFactor(ctx context.Context, account string, x, y *big.Int, label string) (common.Hash, error) {
	if x == nil || y == nil || x.Sign() == 0 || y.Sign() == 0 {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "second factor coordinates are required")
	}
	s, err := m.State(ctx, account)
	if err != nil {
		return common.Hash{}, err
	}
	id := FactorID(x, y)
	if existing, ok := s.Factor(id); ok {
		if existing.Active {
			return id, ErrDuplicateFactor
		}
		existing.Active = true
		existing.Label = label
		return id, m.store.Save(ctx, account, store.NamespaceCredential, s)
	}
	s.SecondFactors = append(s.SecondFactors, SecondFactor{ID: id, X: x, Y: y, Label: label, Active: true})
	return id, m.store.Save(ctx, account, store.NamespaceCredential, s)
}

// RemoveSecondFactor deletes a second factor. Removing the last active factor
// while MFA is enabled is rejected. Removal swaps the last element into place,
// so enumeration order is not stable across removals.
func (m *Module) RemoveSecondFactor(ctx context.Context, account string, id common.Hash) error {
	s, err := m.State(ctx, account)
	if err != nil {
		return err
	}
	idx := -1
	for i := range s.SecondFactors {
		if s.SecondFactors[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrFactorNotFound
	}
	if s.MFAEnabled && s.SecondFactors[idx].Active && countActive(s.SecondFactors) == 1 {
		return ErrLastActiveFactor
	}
	last := len(s.SecondFactors) - 1
	s.SecondFactors[idx] = s.SecondFactors[last]
	s.SecondFactors = s.SecondFactors[:last]
	return m.store.Save(ctx, account, store.NamespaceCredential, s)
}

// DeactivateSecondFactor marks a factor inactive without removing it. Subject
// to the same MFA invariant as removal.
func (m *Module) DeactivateSecondFactor(ctx context.Context, account string, id common.Hash) error {
	s, err := m.State(ctx, account)
	if err != nil {
		return err
	}
	factor, ok := s.Factor(id)
	if !ok {
		return ErrFactorNotFound
	}
	if !factor.Active {
		return nil
	}
	if s.MFAEnabled && countActive(s.SecondFactors) == 1 {
		return ErrLastActiveFactor
	}
	factor.Active = false
	return m.store.Save(ctx, account, store.NamespaceCredential, s)
}

// SetMFA toggles the MFA policy. Enabling requires at least one active second
// factor; the invariant then holds continuously until MFA is disabled.
func (m *Module) SetMFA(ctx context.Context, account string, enabled bool) error {
	s, err := m.State(ctx, account)
	if err != nil {
		return err
	}
	if enabled && countActive(s.SecondFactors) == 0 {
		return ErrNoActiveFactor
	}
	s.MFAEnabled = enabled
	return m.store.Save(ctx, account, store.NamespaceCredential, s)
}

func countActive(factors []SecondFactor) int {
	n := 0
	for i := range factors {
		if factors[i].Active {
			n++
		}
	}
	return n
}

func isNotFound(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeNotFound
}
