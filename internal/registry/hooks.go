package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AccountGuard/internal/errors"
)

// Operation describes the inbound request a hook inspects.
type Operation struct {
	Account string
	Caller  common.Address
	Value   *big.Int
	Data    []byte
}

// Hook is a policy module invoked before and after every operation on an
// account. PreCheck may veto by returning an error; the blob it returns is
// handed back verbatim to the matching PostCheck.
type Hook interface {
	Name() string
	PreCheck(ctx context.Context, op Operation) ([]byte, error)
	PostCheck(ctx context.Context, blob []byte) error
}

// InFlight pairs each hook that ran a pre-check with the context blob it
// produced. The orchestrator owns this value for the duration of one request
// and threads it through to PostCheck, so post-checks always run against the
// exact hook list the pre-checks ran against, even if the account's list is
// mutated mid-operation.
type InFlight struct {
	entries []inflightEntry
}

type inflightEntry struct {
	hook Hook
	blob []byte
}

// Len returns the number of hooks captured at pre-check time.
func (f *InFlight) Len() int {
	if f == nil {
		return 0
	}
	return len(f.entries)
}

// PreCheck runs the account's hook chain in order, collecting each hook's
// context blob. A hook error vetoes the whole operation.
func (r *Registry) PreCheck(ctx context.Context, op Operation) (*InFlight, error) {
	names, err := r.Hooks(ctx, op.Account)
	if err != nil {
		return nil, err
	}
	flight := &InFlight{entries: make([]inflightEntry, 0, len(names))}
	for _, name := range names {
		r.mu.RLock()
		hook := r.hooks[name]
		r.mu.RUnlock()
		if hook == nil {
			// Installed name without an implementation: the chain cannot run
			// as configured, so the operation is rejected.
			return nil, ErrHookNotRegistered
		}
		blob, err := hook.PreCheck(ctx, op)
		if err != nil {
			return nil, xerrors.Wrap(CodeHookVeto, err, "operation vetoed by hook "+name)
		}
		flight.entries = append(flight.entries, inflightEntry{hook: hook, blob: blob})
	}
	return flight, nil
}

// PostCheck replays the captured (hook, blob) pairs in order, handing each
// hook exactly the context it returned from its own pre-check.
func (r *Registry) PostCheck(ctx context.Context, flight *InFlight) error {
	if flight == nil {
		return nil
	}
	for _, entry := range flight.entries {
		if err := entry.hook.PostCheck(ctx, entry.blob); err != nil {
			return xerrors.Wrap(CodeHookVeto, err, "post-check failed for hook "+entry.hook.Name())
		}
	}
	return nil
}
