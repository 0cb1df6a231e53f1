// Package sigcodec parses the opaque signature blob attached to an operation
// request into its structured parts. The layout is length-discriminated with
// fixed offsets so malformed input is rejected before any account state is
// touched.
package sigcodec

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "AccountGuard/internal/errors"
)

// PrimarySignatureLength is the size of a secp256k1 [R || S || V] signature.
const PrimarySignatureLength = 65

// dualMinLength is the smallest valid dual-format blob: minimal assertion,
// 32-byte factor id, 65-byte primary signature.
const dualMinLength = 224

const (
	CodeMalformedSignature xerrors.Code = "MALFORMED_SIGNATURE"
	CodeMalformedAssertion xerrors.Code = "MALFORMED_ASSERTION"
)

var (
	// ErrMalformedSignature indicates the blob matches neither layout.
	ErrMalformedSignature = xerrors.New(CodeMalformedSignature, "signature blob has unrecognised layout")
	// ErrMalformedAssertion indicates the assertion section failed to decode.
	ErrMalformedAssertion = xerrors.New(CodeMalformedAssertion, "assertion blob failed to decode")
)

func init() {
	xerrors.Register(CodeMalformedSignature, xerrors.Attributes{Message: "signature blob has unrecognised layout", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeMalformedAssertion, xerrors.Attributes{Message: "assertion blob failed to decode", Severity: xerrors.SeverityInfo})
}

// Signature is the decoded form of a signature blob. Single-format blobs
// carry only Primary; dual-format blobs additionally reference a second
// factor and carry its assertion.
type Signature struct {
	Primary   []byte
	FactorID  common.Hash
	Assertion *Assertion
}

// Dual reports whether the blob decoded as a two-part MFA signature.
func (s *Signature) Dual() bool {
	return s.Assertion != nil
}

// Decode parses a signature blob. The routing prefix used by the calling
// validator must already be stripped. Exactly 65 bytes decodes as a single
// primary signature; 224 bytes or more decodes as assertion || factor id (32)
// || primary signature (65); any other length is rejected.
func Decode(blob []byte) (*Signature, error) {
	switch {
	case len(blob) == PrimarySignatureLength:
		return &Signature{Primary: blob}, nil
	case len(blob) >= dualMinLength:
		primaryAt := len(blob) - PrimarySignatureLength
		factorAt := primaryAt - common.HashLength
		assertion, err := DecodeAssertion(blob[:factorAt])
		if err != nil {
			return nil, err
		}
		return &Signature{
			Primary:   blob[primaryAt:],
			FactorID:  common.BytesToHash(blob[factorAt:primaryAt]),
			Assertion: assertion,
		}, nil
	default:
		return nil, ErrMalformedSignature
	}
}
