// Package validate implements the signature validation engine. Validation is
// purely functional over the credential state passed in: it performs no
// lookups of its own and has no side effects, so it serves both the primary
// authorization path and the generic "is this signature valid for this
// account" query used by third parties.
package validate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AccountGuard/internal/credential"
	xerrors "AccountGuard/internal/errors"
	"AccountGuard/internal/sigcodec"
)

// RoutingPrefixLength is the fixed-size prefix the host prepends to route the
// blob to this validator. It is stripped before the codec sees the payload.
const RoutingPrefixLength = 4

const (
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"
	CodeFactorInactive   xerrors.Code = "SECOND_FACTOR_INACTIVE"
	CodeMFARequired      xerrors.Code = "MFA_FORMAT_REQUIRED"
)

var (
	// ErrInvalidSignature indicates the signature did not verify against the
	// account's credentials.
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "signature verification failed")
	// ErrFactorInactive indicates the referenced second factor exists but is
	// not active.
	ErrFactorInactive = xerrors.New(CodeFactorInactive, "second factor is not active")
	// ErrMFAFormatRequired indicates the signature format does not match the
	// account's MFA policy.
	ErrMFAFormatRequired = xerrors.New(CodeMFARequired, "signature format does not match MFA policy")
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{Message: "signature verification failed", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeFactorInactive, xerrors.Attributes{Message: "second factor is not active", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMFARequired, xerrors.Attributes{Message: "signature format does not match MFA policy", Severity: xerrors.SeverityInfo})
}

// Engine validates operation signatures against credential state.
type Engine struct {
	requireUserPresence bool
}

// NewEngine creates a validation engine. User presence is required on
// second-factor assertions.
func NewEngine() *Engine {
	return &Engine{requireUserPresence: true}
}

// Validate checks rawSignature over intentHash against the account's
// credential record. With MFA disabled the blob must decode as a single
// primary signature; with MFA enabled it must decode as the dual format and
// both the assertion and the primary signature must verify. MFA is additive,
// never substitutive.
func (e *Engine) Validate(cred *credential.State, intentHash common.Hash, rawSignature []byte) error {
	if cred == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "credential state is required")
	}
	if len(rawSignature) < RoutingPrefixLength {
		return sigcodec.ErrMalformedSignature
	}
	sig, err := sigcodec.Decode(rawSignature[RoutingPrefixLength:])
	if err != nil {
		return err
	}

	if !cred.MFAEnabled {
		if sig.Dual() {
			return ErrMFAFormatRequired
		}
		return verifyPrimary(cred.PrimaryKey, intentHash, sig.Primary)
	}

	if !sig.Dual() {
		return ErrMFAFormatRequired
	}
	factor, ok := cred.Factor(sig.FactorID)
	if !ok {
		return credential.ErrFactorNotFound
	}
	if !factor.Active {
		return ErrFactorInactive
	}
	if !sig.Assertion.Verify(intentHash, e.requireUserPresence, factor.X, factor.Y) {
		return ErrInvalidSignature
	}
	return verifyPrimary(cred.PrimaryKey, intentHash, sig.Primary)
}

// Valid is the boolean form of Validate for third-party queries.
func (e *Engine) Valid(cred *credential.State, intentHash common.Hash, rawSignature []byte) bool {
	return e.Validate(cred, intentHash, rawSignature) == nil
}

// verifyPrimary checks the 65-byte primary signature against the key handle.
// An address-form key is checked by public key recovery; a P-256 key treats
// the first 64 bytes as a raw (r, s) pair over the intent hash.
func verifyPrimary(key credential.PublicKeyHandle, hash common.Hash, sig []byte) error {
	if len(sig) != sigcodec.PrimarySignatureLength {
		return ErrInvalidSignature
	}
	if key.IsP256() {
		r := new(ecdsa.PublicKey)
		r.Curve = elliptic.P256()
		r.X, r.Y = key.X, key.Y
		rs := sig[:32]
		ss := sig[32:64]
		if !verifyP256(r, hash, rs, ss) {
			return ErrInvalidSignature
		}
		return nil
	}

	normalized := make([]byte, sigcodec.PrimarySignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != key.Address {
		return ErrInvalidSignature
	}
	return nil
}

func verifyP256(pub *ecdsa.PublicKey, hash common.Hash, r, s []byte) bool {
	ri := new(big.Int).SetBytes(r)
	si := new(big.Int).SetBytes(s)
	if ri.Sign() == 0 || si.Sign() == 0 {
		return false
	}
	return ecdsa.Verify(pub, hash.Bytes(), ri, si)
}
