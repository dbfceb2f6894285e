package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const challengePrefix = "moltnet:recovery:"

// MinRecoverySecretLen is the minimum HMAC key length accepted at startup.
const MinRecoverySecretLen = 16

var ErrInvalidChallenge = errors.New("invalid challenge")

// Challenge is the parsed form of a recovery challenge string:
//
//	moltnet:recovery:<publicKey>:<nonceHex64>:<issuedAtMs>
type Challenge struct {
	PublicKey  string
	Nonce      string
	IssuedAtMs int64
}

// NewChallenge mints a challenge for publicKey with a fresh 32-byte nonce and
// returns the challenge string together with its hex HMAC-SHA256 tag.
func NewChallenge(publicKey string, secret []byte, now time.Time) (challenge, mac string, err error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("mint nonce: %w", err)
	}
	challenge = challengePrefix + publicKey + ":" + hex.EncodeToString(nonce) + ":" + strconv.FormatInt(now.UnixMilli(), 10)
	return challenge, ChallengeMAC(challenge, secret), nil
}

// ChallengeMAC computes the hex HMAC-SHA256 tag over the full challenge string.
func ChallengeMAC(challenge string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChallengeMAC compares mac against the expected tag in constant time.
func VerifyChallengeMAC(challenge, mac string, secret []byte) bool {
	expected, err := hex.DecodeString(ChallengeMAC(challenge, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(mac)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// ParseChallenge splits a challenge string back into its components. The
// embedded public key itself contains a colon (ed25519:<b64>), so fields are
// taken from the ends.
func ParseChallenge(s string) (*Challenge, error) {
	if !strings.HasPrefix(s, challengePrefix) {
		return nil, ErrInvalidChallenge
	}
	rest := strings.TrimPrefix(s, challengePrefix)

	lastColon := strings.LastIndexByte(rest, ':')
	if lastColon < 0 {
		return nil, ErrInvalidChallenge
	}
	issuedAt, err := strconv.ParseInt(rest[lastColon+1:], 10, 64)
	if err != nil {
		return nil, ErrInvalidChallenge
	}

	rest = rest[:lastColon]
	nonceColon := strings.LastIndexByte(rest, ':')
	if nonceColon < 0 {
		return nil, ErrInvalidChallenge
	}
	nonce := rest[nonceColon+1:]
	if len(nonce) != 64 {
		return nil, ErrInvalidChallenge
	}
	if _, err := hex.DecodeString(nonce); err != nil {
		return nil, ErrInvalidChallenge
	}

	pub := rest[:nonceColon]
	if pub == "" {
		return nil, ErrInvalidChallenge
	}

	return &Challenge{PublicKey: pub, Nonce: nonce, IssuedAtMs: issuedAt}, nil
}
