package sigcodec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Authenticator data layout per the platform credential ceremony: 32-byte
// relying-party hash, 1 flag byte, 4-byte counter, optional extensions.
const minAuthenticatorDataLength = 37

const flagUserPresent = 0x01

// Assertion is the decoded second-factor assertion: challenge-binding client
// data, authenticator metadata and the (r, s) signature pair. The engine does
// not perform the credential ceremony itself; it only verifies the result.
type Assertion struct {
	AuthenticatorData []byte
	ClientDataJSON    []byte
	R                 *big.Int
	S                 *big.Int
}

// clientData is the subset of the client data document the engine inspects.
type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// DecodeAssertion parses an assertion blob: 4-byte big-endian authenticator
// data length, authenticator data, r (32), s (32), client data JSON
// (remainder).
func DecodeAssertion(blob []byte) (*Assertion, error) {
	if len(blob) < 4 {
		return nil, ErrMalformedAssertion
	}
	authLen := int(binary.BigEndian.Uint32(blob[:4]))
	if authLen < minAuthenticatorDataLength || 4+authLen+64 > len(blob) {
		return nil, ErrMalformedAssertion
	}
	offset := 4 + authLen
	clientJSON := blob[offset+64:]
	if len(clientJSON) == 0 {
		return nil, ErrMalformedAssertion
	}
	return &Assertion{
		AuthenticatorData: blob[4:offset],
		ClientDataJSON:    clientJSON,
		R:                 new(big.Int).SetBytes(blob[offset : offset+32]),
		S:                 new(big.Int).SetBytes(blob[offset+32 : offset+64]),
	}, nil
}

// Verify checks that the assertion binds to the challenge and that the
// signature pair verifies under the P-256 public key (x, y).
func (a *Assertion) Verify(challenge common.Hash, requireUserPresence bool, x, y *big.Int) bool {
	if a == nil || x == nil || y == nil {
		return false
	}
	if requireUserPresence && a.AuthenticatorData[32]&flagUserPresent == 0 {
		return false
	}
	var cd clientData
	if err := json.Unmarshal(a.ClientDataJSON, &cd); err != nil {
		return false
	}
	if cd.Type != "webauthn.get" {
		return false
	}
	if cd.Challenge != base64.RawURLEncoding.EncodeToString(challenge[:]) {
		return false
	}
	clientHash := sha256.Sum256(a.ClientDataJSON)
	message := sha256.Sum256(append(append([]byte{}, a.AuthenticatorData...), clientHash[:]...))
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.Verify(pub, message[:], a.R, a.S)
}

// EncodeAssertion is the inverse of DecodeAssertion. Used by hosts and tests
// to assemble dual-format blobs.
func EncodeAssertion(authData, clientJSON []byte, r, s *big.Int) []byte {
	out := make([]byte, 0, 4+len(authData)+64+len(clientJSON))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(authData)))
	out = append(out, lenBuf[:]...)
	out = append(out, authData...)
	out = append(out, leftPad32(r)...)
	out = append(out, leftPad32(s)...)
	out = append(out, clientJSON...)
	return out
}

func leftPad32(v *big.Int) []byte {
	var buf [32]byte
	v.FillBytes(buf[:])
	return buf[:]
}
