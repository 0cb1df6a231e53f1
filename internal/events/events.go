// Package events publishes the engine's state transitions to an external
// sink. Publishing is best-effort from the engine's perspective: a failed
// publish is logged and surfaced via metrics but never rolls back the state
// change that triggered it.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a state transition worth announcing.
type Type string

const (
	TypeAccountInitialised Type = "account.initialised"
	TypeFactorAdded        Type = "credential.factor_added"
	TypeFactorRemoved      Type = "credential.factor_removed"
	TypeMFAChanged         Type = "credential.mfa_changed"
	TypeProposalCreated    Type = "timelock.proposal_created"
	TypeProposalCancelled  Type = "timelock.proposal_cancelled"
	TypeProposalExecuted   Type = "timelock.proposal_executed"
	TypeRecoveryInitiated  Type = "recovery.initiated"
	TypeRecoveryApproved   Type = "recovery.approved"
	TypeRecoveryQuorum     Type = "recovery.threshold_met"
	TypeRecoveryExecuted   Type = "recovery.executed"
	TypeRecoveryCancelled  Type = "recovery.cancelled"
	TypeModuleInstalled    Type = "registry.module_installed"
	TypeModuleUninstalled  Type = "registry.module_uninstalled"
)

// Event is one announced state transition.
type Event struct {
	ID      string         `json:"id"`
	Account string         `json:"account"`
	Type    Type           `json:"type"`
	At      int64          `json:"at"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// New assembles an event with a fresh id and the current timestamp.
func New(account string, typ Type, detail map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Account: account,
		Type:    typ,
		At:      time.Now().Unix(),
		Detail:  detail,
	}
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
