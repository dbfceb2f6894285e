// Package recovery implements the HMAC-bound account recovery protocol: an
// agent that still holds its private key proves so by signing a short-lived
// server-issued challenge, and the identity admin mints a recovery code.
package recovery

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/identity"
	"github.com/moltnet/moltnet/internal/registry"
)

const (
	nonceKeyFmt  = "recovery:nonce:%s"
	challengeTTL = 5 * time.Minute
	// Nonces outlive the freshness window slightly so a challenge rejected
	// for staleness cannot be replayed right at the boundary.
	nonceRetention = challengeTTL + time.Minute
)

var (
	// ErrChallengeRejected covers every verification failure. Callers must
	// not learn whether the challenge, the MAC, the key, or the signature
	// was at fault.
	ErrChallengeRejected = errors.New("recovery challenge rejected")
	// ErrChallengeUsed marks nonce replay. It wraps ErrChallengeRejected and
	// shares its wire code; only the detail string differs (replay reveals
	// nothing about key material).
	ErrChallengeUsed = fmt.Errorf("%w: already used", ErrChallengeRejected)
	ErrUpstream      = errors.New("identity admin unavailable")
)

// AgentDirectory resolves a formatted public key to its registered agent.
type AgentDirectory interface {
	GetByPublicKey(ctx context.Context, publicKey string) (*registry.Agent, error)
}

// IdentityAdmin mints recovery codes at the identity provider.
type IdentityAdmin interface {
	CreateRecoveryCode(ctx context.Context, identityID string) (*RecoveryCode, error)
}

type RecoveryCode struct {
	Code    string `json:"recoveryCode"`
	FlowURL string `json:"recoveryFlowUrl"`
}

type Challenge struct {
	Challenge string `json:"challenge"`
	HMAC      string `json:"hmac"`
}

type VerifyInput struct {
	Challenge string `json:"challenge"`
	HMAC      string `json:"hmac"`
	Signature string `json:"signature"` // base64 over the challenge string
	PublicKey string `json:"publicKey,omitempty"`
}

type Engine struct {
	rdb    *redis.Client
	secret []byte
	agents AgentDirectory
	admin  IdentityAdmin
	// decoyKey absorbs the signature check for unknown keys so lookups and
	// rejections take the same shape either way.
	decoyKey ed25519.PublicKey
	log      *zap.Logger
}

func NewEngine(rdb *redis.Client, secret []byte, agents AgentDirectory, admin IdentityAdmin, log *zap.Logger) *Engine {
	decoy := sha256.Sum256(append([]byte("moltnet:recovery:decoy:"), secret...))
	return &Engine{
		rdb:      rdb,
		secret:   secret,
		agents:   agents,
		admin:    admin,
		decoyKey: decoy[:],
		log:      log,
	}
}

// RequestChallenge mints a challenge for publicKey. The response shape is
// identical whether or not the key belongs to a registered agent.
func (e *Engine) RequestChallenge(ctx context.Context, publicKey string) (*Challenge, error) {
	ch, mac, err := identity.NewChallenge(publicKey, e.secret, time.Now())
	if err != nil {
		return nil, err
	}

	parsed, err := identity.ParseChallenge(ch)
	if err != nil {
		return nil, fmt.Errorf("mint challenge: %w", err)
	}
	err = e.rdb.Set(ctx, fmt.Sprintf(nonceKeyFmt, parsed.Nonce), 1, nonceRetention).Err()
	if err != nil {
		return nil, fmt.Errorf("record nonce: %w", err)
	}

	return &Challenge{Challenge: ch, HMAC: mac}, nil
}

// VerifyChallenge validates the signed challenge and, on success, asks the
// identity admin for a recovery code. Every failure before the admin call
// maps to ErrChallengeRejected.
func (e *Engine) VerifyChallenge(ctx context.Context, in VerifyInput) (*RecoveryCode, error) {
	parsed, err := identity.ParseChallenge(in.Challenge)
	if err != nil {
		return nil, ErrChallengeRejected
	}
	if in.PublicKey != "" && in.PublicKey != parsed.PublicKey {
		return nil, ErrChallengeRejected
	}
	if !identity.VerifyChallengeMAC(in.Challenge, in.HMAC, e.secret) {
		return nil, ErrChallengeRejected
	}
	if time.Since(time.UnixMilli(parsed.IssuedAtMs)) > challengeTTL {
		return nil, ErrChallengeRejected
	}
	if !e.consumeNonce(ctx, parsed.Nonce) {
		return nil, ErrChallengeUsed
	}

	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	if err != nil {
		sig = nil
	}

	agent, err := e.agents.GetByPublicKey(ctx, parsed.PublicKey)
	if err != nil {
		e.log.Error("recovery: agent lookup", zap.Error(err))
		return nil, ErrChallengeRejected
	}
	if agent == nil {
		// Unknown key: burn the same signature check, reject identically.
		identity.VerifyRaw(e.decoyKey, []byte(in.Challenge), sig)
		return nil, ErrChallengeRejected
	}

	pub, err := identity.ParsePublicKey(agent.PublicKey)
	if err != nil {
		return nil, ErrChallengeRejected
	}
	if !identity.VerifyRaw(pub, []byte(in.Challenge), sig) {
		return nil, ErrChallengeRejected
	}

	code, err := e.admin.CreateRecoveryCode(ctx, agent.IdentityID)
	if err != nil {
		e.log.Error("recovery: mint code",
			zap.String("identity", agent.IdentityID), zap.Error(err))
		return nil, ErrUpstream
	}
	e.log.Info("recovery code issued", zap.String("identity", agent.IdentityID))
	return code, nil
}

// consumeNonce is the single-use gate: the first caller takes the nonce,
// everyone else (and any nonce the server never issued) fails.
func (e *Engine) consumeNonce(ctx context.Context, nonce string) bool {
	_, err := e.rdb.GetDel(ctx, fmt.Sprintf(nonceKeyFmt, nonce)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		e.log.Error("recovery: consume nonce", zap.Error(err))
		return false
	}
	return true
}
