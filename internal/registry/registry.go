// Package registry tracks which policy modules are installed per account and
// runs the ordered hook chain around every operation. Each module kind owns
// an isolated configuration slot; hooks additionally keep an ordered list and
// a manager principal authorized to mutate it on the account's behalf.
package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/store"
)

// Kind enumerates the installable module categories.
type Kind string

const (
	KindValidator Kind = "validator"
	KindExecutor  Kind = "executor"
	KindHook      Kind = "hook"
	KindFallback  Kind = "fallback"
)

// IsValidKind reports whether k is a supported module kind.
func IsValidKind(k Kind) bool {
	switch k {
	case KindValidator, KindExecutor, KindHook, KindFallback:
		return true
	default:
		return false
	}
}

const (
	CodeModuleInstalled    xerrors.Code = "MODULE_ALREADY_INSTALLED"
	CodeModuleNotInstalled xerrors.Code = "MODULE_NOT_INSTALLED"
	CodeHookNotRegistered  xerrors.Code = "HOOK_NOT_REGISTERED"
	CodeHookPresent        xerrors.Code = "HOOK_ALREADY_PRESENT"
	CodeHookNotFound       xerrors.Code = "HOOK_NOT_FOUND"
	CodeNotManager         xerrors.Code = "MANAGER_REQUIRED"
	CodeHookVeto           xerrors.Code = "HOOK_VETO"
)

var (
	// ErrModuleInstalled indicates the kind is already installed for the account.
	ErrModuleInstalled = xerrors.New(CodeModuleInstalled, "module already installed")
	// ErrModuleNotInstalled indicates the kind is not installed for the account.
	ErrModuleNotInstalled = xerrors.New(CodeModuleNotInstalled, "module not installed")
	// ErrHookNotRegistered indicates no hook implementation carries that name.
	ErrHookNotRegistered = xerrors.New(CodeHookNotRegistered, "hook implementation not registered")
	// ErrHookPresent indicates the hook is already in the account's list.
	ErrHookPresent = xerrors.New(CodeHookPresent, "hook already present")
	// ErrHookNotFound indicates the hook is not in the account's list.
	ErrHookNotFound = xerrors.New(CodeHookNotFound, "hook not found")
	// ErrNotManager indicates the caller is neither the account authority nor
	// the designated hook manager.
	ErrNotManager = xerrors.New(CodeNotManager, "caller is not the hook manager")
	// ErrHookVeto indicates a pre-check hook rejected the operation.
	ErrHookVeto = xerrors.New(CodeHookVeto, "operation vetoed by hook")
)

func init() {
	xerrors.Register(CodeModuleInstalled, xerrors.Attributes{Message: "module already installed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeModuleNotInstalled, xerrors.Attributes{Message: "module not installed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeHookNotRegistered, xerrors.Attributes{Message: "hook implementation not registered", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeHookPresent, xerrors.Attributes{Message: "hook already present", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeHookNotFound, xerrors.Attributes{Message: "hook not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotManager, xerrors.Attributes{Message: "caller is not the hook manager", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeHookVeto, xerrors.Attributes{Message: "operation vetoed by hook", Severity: xerrors.SeverityWarning})
}

// Registration is the per-(account, kind) installation record.
type Registration struct {
	Installed bool           `json:"installed"`
	Config    map[string]any `json:"config,omitempty"`
}

// State is the registry's per-account record. Hooks is the ordered list of
// installed hook names; Manager may mutate it on the account's behalf.
type State struct {
	Modules map[Kind]*Registration `json:"modules,omitempty"`
	Hooks   []string               `json:"hooks,omitempty"`
	Manager common.Address         `json:"manager"`
}

// Registry is the per-account module registry plus the process-level catalog
// of hook implementations.
type Registry struct {
	store store.Store

	mu    sync.RWMutex
	hooks map[string]Hook
}

// New creates a Registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{store: st, hooks: make(map[string]Hook)}
}

// RegisterHook adds a hook implementation to the process-level catalog so
// accounts can reference it by name.
func (r *Registry) RegisterHook(h Hook) error {
	if h == nil || h.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "hook must carry a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[h.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, "hook name already registered")
	}
	r.hooks[h.Name()] = h
	return nil
}

// Install records a module kind as installed for the account. For the hook
// kind the config may designate a "manager" principal (hex address).
func (r *Registry) Install(ctx context.Context, account string, kind Kind, cfg map[string]any) error {
	if !IsValidKind(kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported module kind")
	}
	state, err := r.load(ctx, account)
	if err != nil {
		return err
	}
	if reg := state.Modules[kind]; reg != nil && reg.Installed {
		return ErrModuleInstalled
	}
	if state.Modules == nil {
		state.Modules = make(map[Kind]*Registration)
	}
	state.Modules[kind] = &Registration{Installed: true, Config: cfg}
	if kind == KindHook {
		if raw, ok := cfg["manager"].(string); ok && common.IsHexAddress(raw) {
			state.Manager = common.HexToAddress(raw)
		}
	}
	return r.store.Save(ctx, account, store.NamespaceRegistry, state)
}

// Uninstall removes a module kind. Uninstalling the hook kind clears the
// account's ordered hook list first.
func (r *Registry) Uninstall(ctx context.Context, account string, kind Kind) error {
	state, err := r.load(ctx, account)
	if err != nil {
		return err
	}
	reg := state.Modules[kind]
	if reg == nil || !reg.Installed {
		return ErrModuleNotInstalled
	}
	if kind == KindHook {
		state.Hooks = nil
		state.Manager = common.Address{}
	}
	delete(state.Modules, kind)
	return r.store.Save(ctx, account, store.NamespaceRegistry, state)
}

// Installed reports whether the kind is installed for the account.
func (r *Registry) Installed(ctx context.Context, account string, kind Kind) (bool, error) {
	state, err := r.load(ctx, account)
	if err != nil {
		return false, err
	}
	reg := state.Modules[kind]
	return reg != nil && reg.Installed, nil
}

// Registration returns the installation record for (account, kind).
func (r *Registry) Registration(ctx context.Context, account string, kind Kind) (*Registration, error) {
	state, err := r.load(ctx, account)
	if err != nil {
		return nil, err
	}
	reg := state.Modules[kind]
	if reg == nil || !reg.Installed {
		return nil, ErrModuleNotInstalled
	}
	return reg, nil
}

// AddHook appends a named hook to the account's chain. accountAuthority marks
// a call that already passed the account's own validation path; otherwise the
// caller must be the designated manager.
func (r *Registry) AddHook(ctx context.Context, account string, caller common.Address, accountAuthority bool, name string) error {
	r.mu.RLock()
	_, known := r.hooks[name]
	r.mu.RUnlock()
	if !known {
		return ErrHookNotRegistered
	}
	state, err := r.load(ctx, account)
	if err != nil {
		return err
	}
	if err := authorizeHookChange(state, caller, accountAuthority); err != nil {
		return err
	}
	for _, existing := range state.Hooks {
		if existing == name {
			return ErrHookPresent
		}
	}
	state.Hooks = append(state.Hooks, name)
	return r.store.Save(ctx, account, store.NamespaceRegistry, state)
}

// RemoveHook drops a hook by swap-and-truncate; chain order is not preserved
// across removals.
func (r *Registry) RemoveHook(ctx context.Context, account string, caller common.Address, accountAuthority bool, name string) error {
	state, err := r.load(ctx, account)
	if err != nil {
		return err
	}
	if err := authorizeHookChange(state, caller, accountAuthority); err != nil {
		return err
	}
	for i, existing := range state.Hooks {
		if existing == name {
			last := len(state.Hooks) - 1
			state.Hooks[i] = state.Hooks[last]
			state.Hooks = state.Hooks[:last]
			return r.store.Save(ctx, account, store.NamespaceRegistry, state)
		}
	}
	return ErrHookNotFound
}

// Hooks returns the account's ordered hook list.
func (r *Registry) Hooks(ctx context.Context, account string) ([]string, error) {
	state, err := r.load(ctx, account)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), state.Hooks...), nil
}

func authorizeHookChange(state *State, caller common.Address, accountAuthority bool) error {
	if accountAuthority {
		return nil
	}
	if state.Manager != (common.Address{}) && caller == state.Manager {
		return nil
	}
	return ErrNotManager
}

func (r *Registry) load(ctx context.Context, account string) (*State, error) {
	var state State
	err := r.store.Load(ctx, account, store.NamespaceRegistry, &state)
	if err != nil && xerrors.CodeOf(err) != xerrors.CodeNotFound {
		return nil, err
	}
	return &state, nil
}
