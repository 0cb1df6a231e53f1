// Package store defines the persistent per-account module-state store. Every
// policy module owns a distinct slice of state keyed by (account, namespace);
// a module never reads or writes outside its own namespace, which is the
// isolation boundary preventing one module's bug from corrupting another's
// state.
package store

import (
	"context"

	xerrors "AccountGuard/internal/errors"
)

// Namespace identifies the module-owned slice of an account's state.
type Namespace string

const (
	NamespaceCredential Namespace = "credential"
	NamespaceTimelock   Namespace = "timelock"
	NamespaceRecovery   Namespace = "recovery"
	NamespaceRegistry   Namespace = "registry"
)

// ErrStateNotFound is returned when no state exists for (account, namespace).
var ErrStateNotFound = xerrors.New(xerrors.CodeNotFound, "module state not found")

// Store persists module state as opaque JSON documents. Implementations must
// be safe for concurrent use; serialisation of operations on the same account
// is the engine's responsibility, not the store's.
type Store interface {
	// Load decodes the state for (account, ns) into v. Returns
	// ErrStateNotFound when the slot has never been written.
	Load(ctx context.Context, account string, ns Namespace, v any) error
	// Save encodes v and writes it to (account, ns), replacing any previous
	// value.
	Save(ctx context.Context, account string, ns Namespace, v any) error
	// Delete removes the state for (account, ns). Deleting an absent slot is
	// not an error.
	Delete(ctx context.Context, account string, ns Namespace) error
	// Close releases any underlying resources.
	Close() error
}
