package engine

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operation names bound into intent digests. Hosts sign the digest of the
// exact operation they intend, so a signature for one operation can never
// authorize another.
const (
	OpProposeRotation   = "timelock.propose"
	OpCancelAction      = "timelock.cancel"
	OpConfigureRecovery = "recovery.configure"
	OpAddGuardian       = "recovery.add_guardian"
	OpRemoveGuardian    = "recovery.remove_guardian"
	OpSetThreshold      = "recovery.set_threshold"
	OpCancelRecovery    = "recovery.cancel"
	OpAddFactor         = "credential.add_factor"
	OpRemoveFactor      = "credential.remove_factor"
	OpSetMFA            = "credential.set_mfa"
	OpInstallModule     = "registry.install"
	OpUninstallModule   = "registry.uninstall"
	OpAddHook           = "registry.add_hook"
	OpRemoveHook        = "registry.remove_hook"
)

// Digest computes the hash-of-intent for an authenticated operation: the
// keccak256 of the account id, the operation name and the canonical JSON
// encoding of its parameters.
func Digest(account, op string, params any) (common.Hash, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte(account), []byte(op), encoded), nil
}
