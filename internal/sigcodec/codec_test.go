package sigcodec

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func signedAssertion(t *testing.T, key *ecdsa.PrivateKey, challenge common.Hash, present bool) []byte {
	t.Helper()
	authData := make([]byte, minAuthenticatorDataLength)
	if present {
		authData[32] = flagUserPresent
	}
	clientJSON := fmt.Appendf(nil, `{"type":"webauthn.get","challenge":"%s"}`,
		base64.RawURLEncoding.EncodeToString(challenge[:]))
	clientHash := sha256.Sum256(clientJSON)
	message := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	r, s, err := ecdsa.Sign(rand.Reader, key, message[:])
	if err != nil {
		t.Fatalf("sign assertion: %v", err)
	}
	return EncodeAssertion(authData, clientJSON, r, s)
}

func TestDecodeSingle(t *testing.T) {
	blob := bytes.Repeat([]byte{0xab}, PrimarySignatureLength)
	sig, err := Decode(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.Dual() {
		t.Fatalf("65-byte blob should decode as single format")
	}
	if !bytes.Equal(sig.Primary, blob) {
		t.Fatalf("primary bytes should round-trip")
	}
}

func TestDecodeRejectsBadLengths(t *testing.T) {
	for _, n := range []int{0, 1, 64, 66, 100, dualMinLength - 1} {
		if _, err := Decode(make([]byte, n)); !errors.Is(err, ErrMalformedSignature) {
			t.Fatalf("length %d: expected ErrMalformedSignature, got %v", n, err)
		}
	}
}

func TestDecodeDual(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	challenge := common.HexToHash("0x0102")
	assertion := signedAssertion(t, key, challenge, true)
	factorID := common.HexToHash("0xfeed")
	primary := bytes.Repeat([]byte{0x7f}, PrimarySignatureLength)

	blob := append(append(append([]byte{}, assertion...), factorID[:]...), primary...)
	if len(blob) < dualMinLength {
		// Pad the client data to reach the dual minimum if the JSON came
		// out unusually short.
		t.Fatalf("test blob below dual minimum: %d", len(blob))
	}

	sig, err := Decode(blob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sig.Dual() {
		t.Fatalf("blob should decode as dual format")
	}
	if sig.FactorID != factorID {
		t.Fatalf("unexpected factor id: %s", sig.FactorID)
	}
	if !bytes.Equal(sig.Primary, primary) {
		t.Fatalf("primary slot should be the trailing 65 bytes")
	}
	if !sig.Assertion.Verify(challenge, true, key.PublicKey.X, key.PublicKey.Y) {
		t.Fatalf("decoded assertion should verify against the signing key")
	}
}

func TestDecodeAssertionRejectsTruncated(t *testing.T) {
	if _, err := DecodeAssertion([]byte{0x00}); !errors.Is(err, ErrMalformedAssertion) {
		t.Fatalf("expected ErrMalformedAssertion, got %v", err)
	}

	// Declared authenticator data length overruns the blob.
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 1024)
	if _, err := DecodeAssertion(append(lenBuf[:], make([]byte, 64)...)); !errors.Is(err, ErrMalformedAssertion) {
		t.Fatalf("expected ErrMalformedAssertion, got %v", err)
	}

	// Authenticator data below the ceremony minimum.
	binary.BigEndian.PutUint32(lenBuf[:], minAuthenticatorDataLength-1)
	blob := append(lenBuf[:], make([]byte, minAuthenticatorDataLength-1+64+8)...)
	if _, err := DecodeAssertion(blob); !errors.Is(err, ErrMalformedAssertion) {
		t.Fatalf("expected ErrMalformedAssertion, got %v", err)
	}

	// Missing client data JSON.
	binary.BigEndian.PutUint32(lenBuf[:], minAuthenticatorDataLength)
	blob = append(lenBuf[:], make([]byte, minAuthenticatorDataLength+64)...)
	if _, err := DecodeAssertion(blob); !errors.Is(err, ErrMalformedAssertion) {
		t.Fatalf("expected ErrMalformedAssertion, got %v", err)
	}
}

func TestVerifyRejectsWrongChallenge(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	challenge := common.HexToHash("0x0102")
	assertion, err := DecodeAssertion(signedAssertion(t, key, challenge, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assertion.Verify(common.HexToHash("0x0304"), true, key.PublicKey.X, key.PublicKey.Y) {
		t.Fatalf("assertion must not verify for a different challenge")
	}
}

func TestVerifyRejectsMissingUserPresence(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	challenge := common.HexToHash("0x0102")
	assertion, err := DecodeAssertion(signedAssertion(t, key, challenge, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assertion.Verify(challenge, true, key.PublicKey.X, key.PublicKey.Y) {
		t.Fatalf("assertion must not verify without the user-presence flag")
	}
	if !assertion.Verify(challenge, false, key.PublicKey.X, key.PublicKey.Y) {
		t.Fatalf("assertion should verify when presence is not required")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	challenge := common.HexToHash("0x0102")
	assertion, err := DecodeAssertion(signedAssertion(t, key, challenge, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assertion.Verify(challenge, true, other.PublicKey.X, other.PublicKey.Y) {
		t.Fatalf("assertion must not verify under a different key")
	}
}
