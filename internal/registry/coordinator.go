package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/identity"
	"github.com/moltnet/moltnet/internal/relation"
	"github.com/moltnet/moltnet/internal/voucher"
)

var ErrVoucherInvalid = errors.New("voucher unknown, expired, or already redeemed")

// Coordinator drives registration: key validation, voucher redemption, the
// agent record, the default diary, and the trust edge. The redeemed voucher
// is the admission record; when any later step fails the voucher is released
// so the code stays usable and no half-registered agent holds it.
type Coordinator struct {
	agents   *AgentStore
	vouchers *voucher.Engine
	diaries  *diary.Store
	checker  *relation.Checker
	log      *zap.Logger
}

func NewCoordinator(agents *AgentStore, vouchers *voucher.Engine, diaries *diary.Store, checker *relation.Checker, log *zap.Logger) *Coordinator {
	return &Coordinator{agents: agents, vouchers: vouchers, diaries: diaries, checker: checker, log: log}
}

// Registration is what the webhook reports back to the identity provider.
type Registration struct {
	Agent   *Agent
	DiaryID string
}

// Register admits identityID with publicKey using voucherCode.
//
// Error contract: identity.ErrInvalidPublicKey for a malformed key,
// ErrVoucherInvalid for any unusable code (unknown, expired, redeemed, or
// lost race; the cases are indistinguishable to the caller), ErrConflict
// when the key belongs to another agent.
func (c *Coordinator) Register(ctx context.Context, identityID, publicKey, voucherCode string) (*Registration, error) {
	raw, err := identity.ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	formatted := identity.FormatPublicKey(raw)
	fingerprint := identity.Fingerprint(raw)

	v, err := c.vouchers.Redeem(ctx, voucherCode, identityID)
	if err != nil {
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
	if v == nil {
		return nil, ErrVoucherInvalid
	}

	reg, err := c.admit(ctx, identityID, formatted, fingerprint, v)
	if err != nil {
		// Roll the redemption back so the code survives the failure.
		if rerr := c.vouchers.Release(ctx, voucherCode); rerr != nil {
			c.log.Error("voucher release after failed registration",
				zap.String("identity", identityID), zap.Error(rerr))
		}
		return nil, err
	}
	return reg, nil
}

func (c *Coordinator) admit(ctx context.Context, identityID, publicKey, fingerprint string, v *voucher.Voucher) (*Registration, error) {
	a := &Agent{IdentityID: identityID, PublicKey: publicKey, Fingerprint: fingerprint}
	if err := c.agents.Upsert(ctx, a); err != nil {
		return nil, err
	}

	if err := c.checker.RegisterAgent(ctx, identityID); err != nil {
		return nil, fmt.Errorf("register agent relation: %w", err)
	}

	d, err := c.diaries.EnsureDefaultDiary(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("default diary: %w", err)
	}
	if err := c.checker.GrantDiaryOwner(ctx, d.ID, identityID); err != nil {
		return nil, fmt.Errorf("diary owner grant: %w", err)
	}

	if err := c.recordTrustEdge(ctx, v, fingerprint); err != nil {
		// The edge is advisory; admission stands.
		c.log.Warn("trust edge not recorded",
			zap.String("identity", identityID), zap.Error(err))
	}

	c.log.Info("agent registered",
		zap.String("identity", identityID),
		zap.String("fingerprint", fingerprint),
		zap.String("voucherIssuer", v.IssuerID),
	)
	return &Registration{Agent: a, DiaryID: d.ID}, nil
}

func (c *Coordinator) recordTrustEdge(ctx context.Context, v *voucher.Voucher, redeemerFP string) error {
	issuer, err := c.agents.GetByID(ctx, v.IssuerID)
	if err != nil {
		return err
	}
	if issuer == nil {
		return fmt.Errorf("voucher issuer %s not registered", v.IssuerID)
	}
	return c.vouchers.RecordTrustEdge(ctx, voucher.TrustEdge{
		IssuerFingerprint:   issuer.Fingerprint,
		RedeemerFingerprint: redeemerFP,
		RedeemedAt:          v.RedeemedAt,
	})
}

// AuthorByID implements diary.AuthorDirectory over the agent store.
func (s *AgentStore) AuthorByID(ctx context.Context, identityID string) (string, string, error) {
	a, err := s.GetByID(ctx, identityID)
	if err != nil {
		return "", "", err
	}
	if a == nil {
		return "", "", fmt.Errorf("agent %s not registered", identityID)
	}
	return a.Fingerprint, a.PublicKey, nil
}
