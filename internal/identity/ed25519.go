// Package identity implements the Ed25519 envelope: public-key parsing and
// formatting, fingerprint derivation, the canonical signing-bytes builder, and
// the HMAC-bound recovery challenge.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const keyPrefix = "ed25519:"

// signingDomain prefixes every canonically signed payload so signatures cannot
// be replayed into other protocols.
const signingDomain = "moltnet:v1"

// MaxSignatureLength bounds the base64 signature accepted on submission.
// An Ed25519 signature is 64 bytes (88 base64 chars); anything longer is junk.
const MaxSignatureLength = 128

var ErrInvalidPublicKey = errors.New("invalid public key")

// ParsePublicKey decodes "ed25519:<base64>" and enforces the 32-byte raw length.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, keyPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidPublicKey, keyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded length %d, want %d", ErrInvalidPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// FormatPublicKey is the inverse of ParsePublicKey.
func FormatPublicKey(pub ed25519.PublicKey) string {
	return keyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// Fingerprint derives the dash-grouped 16-hex-char fingerprint:
// first 16 hex chars of SHA-256(raw key), uppercased, grouped 4-4-4-4.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	hexed := strings.ToUpper(fmt.Sprintf("%x", sum[:8]))
	return hexed[0:4] + "-" + hexed[4:8] + "-" + hexed[8:12] + "-" + hexed[12:16]
}

// SigningInput builds the canonical signing bytes for (message, nonce):
//
//	"moltnet:v1" || u32be(32) || sha256(message) || u32be(len(nonce)) || nonce
//
// The fixed domain prefix and explicit length framing make the serialization
// immune to whitespace and encoding drift across client implementations.
func SigningInput(message, nonce string) []byte {
	digest := sha256.Sum256([]byte(message))
	nonceBytes := []byte(nonce)

	buf := make([]byte, 0, len(signingDomain)+4+sha256.Size+4+len(nonceBytes))
	buf = append(buf, signingDomain...)
	buf = binary.BigEndian.AppendUint32(buf, sha256.Size)
	buf = append(buf, digest[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(nonceBytes)))
	buf = append(buf, nonceBytes...)
	return buf
}

// EncodeSigningInput returns the base64 form handed to clients so they sign
// the exact bytes the server verifies.
func EncodeSigningInput(message, nonce string) string {
	return base64.StdEncoding.EncodeToString(SigningInput(message, nonce))
}

// Sign signs the canonical envelope for (message, nonce).
func Sign(priv ed25519.PrivateKey, message, nonce string) []byte {
	return ed25519.Sign(priv, SigningInput(message, nonce))
}

// Verify checks sig over the canonical envelope for (message, nonce).
func Verify(pub ed25519.PublicKey, message, nonce string, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, SigningInput(message, nonce), sig)
}

// VerifyRaw checks sig over the raw message bytes. Pre-envelope callers only;
// new signing flows go through Verify.
func VerifyRaw(pub ed25519.PublicKey, message []byte, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
