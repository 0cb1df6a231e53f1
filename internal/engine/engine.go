// Package engine is the composition point of the authorization system. Every
// inbound operation passes through the account's hook chain, is authorized by
// the validation engine where required, applies its mutation, and finally
// runs the matched post-checks. Sensitive mutations (key rotation, ownership
// transfer) are never applied synchronously; they are routed through the
// pending-action timelock or the guardian recovery workflow.
package engine

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"AccountGuard/internal/clock"
	"AccountGuard/internal/credential"
	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/events"
	"AccountGuard/internal/recovery"
	"AccountGuard/internal/registry"
	"AccountGuard/internal/store"
	"AccountGuard/internal/timelock"
	"AccountGuard/internal/validate"
	"AccountGuard/pkg/logger"
)

// Config wires the engine's collaborators.
type Config struct {
	Store  store.Store
	Clock  clock.Clock
	Events events.Publisher
}

// Engine orchestrates the policy modules around per-account state. Public
// operations run to completion under a per-account lock, so callers never
// observe partial state from a concurrently racing call; operations on
// different accounts proceed independently.
type Engine struct {
	store     store.Store
	creds     *credential.Module
	timelock  *timelock.Module
	recovery  *recovery.Module
	registry  *registry.Registry
	validator *validate.Engine
	clock     clock.Clock
	events    events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New assembles an engine from its collaborators.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.NewMemoryPublisher(0)
	}
	creds := credential.NewModule(cfg.Store)
	return &Engine{
		store:     cfg.Store,
		creds:     creds,
		timelock:  timelock.NewModule(cfg.Store, creds, clk),
		recovery:  recovery.NewModule(cfg.Store, creds, clk),
		registry:  registry.New(cfg.Store),
		validator: validate.NewEngine(),
		clock:     clk,
		events:    pub,
	}, nil
}

// Registry exposes the module registry for hook implementation registration.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// lockAccount serialises operations per account.
func (e *Engine) lockAccount(account string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := e.locks[account]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[account] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// InitAccount creates the credential record for a new account. Invoked by
// the host's bootstrap path, before any credential exists to validate
// against.
func (e *Engine) InitAccount(ctx context.Context, account string, initial credential.State) error {
	defer e.lockAccount(account)()
	if err := e.creds.Init(ctx, account, initial); err != nil {
		return err
	}
	e.publish(ctx, account, events.TypeAccountInitialised, map[string]any{"owner": initial.Owner.Hex()})
	return nil
}

// Credential returns the account's credential record.
func (e *Engine) Credential(ctx context.Context, account string) (*credential.State, error) {
	return e.creds.State(ctx, account)
}

// IsValidSignature is the generic third-party query: does rawSignature
// authorize intentHash for this account under its current credentials.
func (e *Engine) IsValidSignature(ctx context.Context, account string, intentHash common.Hash, rawSignature []byte) (bool, error) {
	cred, err := e.creds.State(ctx, account)
	if err != nil {
		return false, err
	}
	return e.validator.Valid(cred, intentHash, rawSignature), nil
}

// ProposeRotation queues a delayed credential mutation.
func (e *Engine) ProposeRotation(ctx context.Context, account string, caller common.Address, payload timelock.Payload, sig []byte) (*timelock.Action, error) {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, account, OpProposeRotation, payload, sig); err != nil {
		return nil, err
	}
	action, err := e.timelock.Propose(ctx, account, payload)
	if err != nil {
		return nil, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return action, err
	}
	e.audit(account, "rotation proposed", "action", action.Hash.Hex())
	e.publish(ctx, account, events.TypeProposalCreated, map[string]any{"action": action.Hash.Hex(), "kind": string(payload.Kind)})
	return action, nil
}

// CancelAction cancels a pending action. Authorized against the current, not
// proposed, credential.
func (e *Engine) CancelAction(ctx context.Context, account string, caller common.Address, id common.Hash, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpCancelAction, id, sig); err != nil {
		return err
	}
	if _, err := e.timelock.Cancel(ctx, account, id); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.audit(account, "rotation cancelled", "action", id.Hex())
	e.publish(ctx, account, events.TypeProposalCancelled, map[string]any{"action": id.Hex()})
	return nil
}

// ExecuteAction applies a due pending action. Permissionless: the protection
// is the elapsed delay, not the executor's identity.
func (e *Engine) ExecuteAction(ctx context.Context, account string, caller common.Address, id common.Hash) (*timelock.Action, error) {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return nil, err
	}
	action, err := e.timelock.Execute(ctx, account, id)
	if err != nil {
		return nil, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return action, err
	}
	e.audit(account, "rotation executed", "action", id.Hex())
	e.publish(ctx, account, events.TypeProposalExecuted, map[string]any{"action": id.Hex()})
	return action, nil
}

// PendingActions enumerates the live pending actions. Order is unspecified.
func (e *Engine) PendingActions(ctx context.Context, account string) ([]*timelock.Action, error) {
	return e.timelock.Pending(ctx, account)
}

// ConfigureRecovery installs the guardian set, threshold and delay period.
func (e *Engine) ConfigureRecovery(ctx context.Context, account string, caller common.Address, cfg recovery.Config, sig []byte) error {
	defer e.lockAccount(account)()
	params := struct {
		Guardians []common.Address `json:"guardians"`
		Threshold int              `json:"threshold"`
		Period    int64            `json:"period"`
	}{cfg.Guardians, cfg.Threshold, int64(cfg.Period)}
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpConfigureRecovery, params, sig); err != nil {
		return err
	}
	if err := e.recovery.Configure(ctx, account, cfg); err != nil {
		return err
	}
	return e.postCheck(ctx, flight)
}

// AddGuardian adds a guardian to the account's set.
func (e *Engine) AddGuardian(ctx context.Context, account string, caller, guardian common.Address, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpAddGuardian, guardian, sig); err != nil {
		return err
	}
	if err := e.recovery.AddGuardian(ctx, account, guardian); err != nil {
		return err
	}
	return e.postCheck(ctx, flight)
}

// RemoveGuardian removes a guardian; rejected when it would leave fewer
// guardians than the configured threshold.
func (e *Engine) RemoveGuardian(ctx context.Context, account string, caller, guardian common.Address, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpRemoveGuardian, guardian, sig); err != nil {
		return err
	}
	if err := e.recovery.RemoveGuardian(ctx, account, guardian); err != nil {
		return err
	}
	return e.postCheck(ctx, flight)
}

// SetRecoveryThreshold updates the quorum size.
func (e *Engine) SetRecoveryThreshold(ctx context.Context, account string, caller common.Address, n int, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpSetThreshold, n, sig); err != nil {
		return err
	}
	if err := e.recovery.SetThreshold(ctx, account, n); err != nil {
		return err
	}
	return e.postCheck(ctx, flight)
}

// InitiateRecovery opens a recovery request. The caller principal must be a
// current guardian; no signature is required beyond the host-authenticated
// identity.
func (e *Engine) InitiateRecovery(ctx context.Context, account string, caller common.Address, newKeyX, newKeyY *big.Int, newOwner common.Address) (*recovery.Request, error) {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return nil, err
	}
	req, err := e.recovery.Initiate(ctx, account, caller, newKeyX, newKeyY, newOwner)
	if err != nil {
		return nil, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return req, err
	}
	e.audit(account, "recovery initiated", "nonce", req.Nonce, "guardian", caller.Hex())
	e.publish(ctx, account, events.TypeRecoveryInitiated, map[string]any{"nonce": req.Nonce, "guardian": caller.Hex()})
	if req.ThresholdMet {
		e.publish(ctx, account, events.TypeRecoveryQuorum, map[string]any{"nonce": req.Nonce})
	}
	return req, nil
}

// ApproveRecovery records a guardian approval.
func (e *Engine) ApproveRecovery(ctx context.Context, account string, caller common.Address, nonce uint64) (*recovery.Request, error) {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return nil, err
	}
	req, err := e.recovery.Approve(ctx, account, caller, nonce)
	if err != nil {
		return nil, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return req, err
	}
	e.audit(account, "recovery approved", "nonce", nonce, "guardian", caller.Hex())
	e.publish(ctx, account, events.TypeRecoveryApproved, map[string]any{"nonce": nonce, "guardian": caller.Hex()})
	if req.ThresholdMet {
		e.publish(ctx, account, events.TypeRecoveryQuorum, map[string]any{"nonce": nonce})
	}
	return req, nil
}

// ExecuteRecovery applies a matured recovery request. Permissionless.
func (e *Engine) ExecuteRecovery(ctx context.Context, account string, caller common.Address, nonce uint64) (*recovery.Request, error) {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return nil, err
	}
	req, err := e.recovery.Execute(ctx, account, nonce)
	if err != nil {
		return nil, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return req, err
	}
	e.audit(account, "recovery executed", "nonce", nonce)
	e.publish(ctx, account, events.TypeRecoveryExecuted, map[string]any{"nonce": nonce})
	return req, nil
}

// CancelRecovery cancels a request via the account's own authenticated path.
// The owner's existing credential defeats a malicious guardian majority
// during the delay window.
func (e *Engine) CancelRecovery(ctx context.Context, account string, caller common.Address, nonce uint64, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpCancelRecovery, nonce, sig); err != nil {
		return err
	}
	if _, err := e.recovery.Cancel(ctx, account, nonce); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.audit(account, "recovery cancelled", "nonce", nonce)
	e.publish(ctx, account, events.TypeRecoveryCancelled, map[string]any{"nonce": nonce})
	return nil
}

// RecoveryState returns the account's guardian configuration and requests.
func (e *Engine) RecoveryState(ctx context.Context, account string) (*recovery.State, error) {
	return e.recovery.State(ctx, account)
}

// RecoveryRequest returns one request by nonce.
func (e *Engine) RecoveryRequest(ctx context.Context, account string, nonce uint64) (*recovery.Request, error) {
	return e.recovery.Request(ctx, account, nonce)
}

// AddSecondFactor registers a new active second factor.
func (e *Engine) AddSecondFactor(ctx context.Context, account string, caller common.Address, x, y *big.Int, label string, sig []byte) (common.Hash, error) {
	defer e.lockAccount(account)()
	params := struct {
		X     *big.Int `json:"x"`
		Y     *big.Int `json:"y"`
		Label string   `json:"label"`
	}{x, y, label}
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return common.Hash{}, err
	}
	if err := e.authorize(ctx, account, OpAddFactor, params, sig); err != nil {
		return common.Hash{}, err
	}
	id, err := e.creds.AddSecondFactor(ctx, account, x, y, label)
	if err != nil {
		return common.Hash{}, err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return id, err
	}
	e.publish(ctx, account, events.TypeFactorAdded, map[string]any{"factor": id.Hex()})
	return id, nil
}

// RemoveSecondFactor removes a second factor, subject to the MFA invariant.
func (e *Engine) RemoveSecondFactor(ctx context.Context, account string, caller common.Address, id common.Hash, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpRemoveFactor, id, sig); err != nil {
		return err
	}
	if err := e.creds.RemoveSecondFactor(ctx, account, id); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.publish(ctx, account, events.TypeFactorRemoved, map[string]any{"factor": id.Hex()})
	return nil
}

// SetMFA toggles the MFA policy flag.
func (e *Engine) SetMFA(ctx context.Context, account string, caller common.Address, enabled bool, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpSetMFA, enabled, sig); err != nil {
		return err
	}
	if err := e.creds.SetMFA(ctx, account, enabled); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.publish(ctx, account, events.TypeMFAChanged, map[string]any{"enabled": enabled})
	return nil
}

// InstallModule records a module kind as installed for the account.
func (e *Engine) InstallModule(ctx context.Context, account string, caller common.Address, kind registry.Kind, cfg map[string]any, sig []byte) error {
	defer e.lockAccount(account)()
	params := struct {
		Kind   registry.Kind  `json:"kind"`
		Config map[string]any `json:"config"`
	}{kind, cfg}
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpInstallModule, params, sig); err != nil {
		return err
	}
	if err := e.registry.Install(ctx, account, kind, cfg); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.publish(ctx, account, events.TypeModuleInstalled, map[string]any{"kind": string(kind)})
	return nil
}

// UninstallModule removes a module kind.
func (e *Engine) UninstallModule(ctx context.Context, account string, caller common.Address, kind registry.Kind, sig []byte) error {
	defer e.lockAccount(account)()
	flight, err := e.preCheck(ctx, account, caller, nil)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, account, OpUninstallModule, kind, sig); err != nil {
		return err
	}
	if err := e.registry.Uninstall(ctx, account, kind); err != nil {
		return err
	}
	if err := e.postCheck(ctx, flight); err != nil {
		return err
	}
	e.publish(ctx, account, events.TypeModuleUninstalled, map[string]any{"kind": string(kind)})
	return nil
}

// AddHook appends a hook to the account's chain. With a signature the change
// runs under account authority; without one the caller must be the
// designated manager.
func (e *Engine) AddHook(ctx context.Context, account string, caller common.Address, name string, sig []byte) error {
	defer e.lockAccount(account)()
	accountAuthority := false
	if len(sig) > 0 {
		if err := e.authorize(ctx, account, OpAddHook, name, sig); err != nil {
			return err
		}
		accountAuthority = true
	}
	return e.registry.AddHook(ctx, account, caller, accountAuthority, name)
}

// RemoveHook drops a hook from the account's chain under the same authority
// rules as AddHook.
func (e *Engine) RemoveHook(ctx context.Context, account string, caller common.Address, name string, sig []byte) error {
	defer e.lockAccount(account)()
	accountAuthority := false
	if len(sig) > 0 {
		if err := e.authorize(ctx, account, OpRemoveHook, name, sig); err != nil {
			return err
		}
		accountAuthority = true
	}
	return e.registry.RemoveHook(ctx, account, caller, accountAuthority, name)
}

// Hooks returns the account's ordered hook list.
func (e *Engine) Hooks(ctx context.Context, account string) ([]string, error) {
	return e.registry.Hooks(ctx, account)
}

// authorize validates the raw signature blob against the digest of the
// operation being attempted, under the account's current credentials.
func (e *Engine) authorize(ctx context.Context, account, op string, params any, sig []byte) error {
	cred, err := e.creds.State(ctx, account)
	if err != nil {
		return err
	}
	digest, err := Digest(account, op, params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode intent")
	}
	if err := e.validator.Validate(cred, digest, sig); err != nil {
		logger.Audit().Warn("authorization rejected", "account", account, "op", op, "code", string(xerrors.CodeOf(err)))
		return err
	}
	return nil
}

func (e *Engine) preCheck(ctx context.Context, account string, caller common.Address, data []byte) (*registry.InFlight, error) {
	return e.registry.PreCheck(ctx, registry.Operation{Account: account, Caller: caller, Value: new(big.Int), Data: data})
}

func (e *Engine) postCheck(ctx context.Context, flight *registry.InFlight) error {
	return e.registry.PostCheck(ctx, flight)
}

func (e *Engine) publish(ctx context.Context, account string, typ events.Type, detail map[string]any) {
	if err := e.events.Publish(ctx, events.New(account, typ, detail)); err != nil {
		logger.L().Warn("event publish failed", "account", account, "type", string(typ), "error", err)
	}
}

func (e *Engine) audit(account, msg string, args ...any) {
	logger.Audit().Info(msg, append([]any{"account", account}, args...)...)
}
