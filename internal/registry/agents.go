// Package registry holds the agent directory and the registration
// coordinator that admits new agents through voucher redemption.
package registry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moltnet/moltnet/internal/identity"
)

// Redis key templates
const (
	agentKeyFmt = "agent:id:%s" // %s = identity id, hash
	fpKeyFmt    = "agent:fp:%s" // %s = fingerprint → identity id
	pkKeyFmt    = "agent:pk:%s" // %s = formatted public key → identity id
)

var ErrConflict = errors.New("public key or fingerprint already registered")

type Agent struct {
	IdentityID  string `json:"identityId"`
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// AgentStore persists agents with uniqueness indexes on fingerprint and
// public key.
type AgentStore struct {
	rdb *redis.Client
}

func NewAgentStore(rdb *redis.Client) *AgentStore {
	return &AgentStore{rdb: rdb}
}

// Upsert writes the agent record. The SETNX index writes enforce public-key
// and fingerprint uniqueness across agents; re-registering the same identity
// with the same key is a no-op update.
func (s *AgentStore) Upsert(ctx context.Context, a *Agent) error {
	for key, val := range map[string]string{
		fmt.Sprintf(fpKeyFmt, a.Fingerprint): a.IdentityID,
		fmt.Sprintf(pkKeyFmt, a.PublicKey):   a.IdentityID,
	} {
		set, err := s.rdb.SetNX(ctx, key, val, 0).Result()
		if err != nil {
			return err
		}
		if !set {
			owner, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				return err
			}
			if owner != a.IdentityID {
				return ErrConflict
			}
		}
	}

	now := time.Now().Unix()
	existing, err := s.GetByID(ctx, a.IdentityID)
	if err != nil {
		return err
	}
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}

	err = s.rdb.HSet(ctx, fmt.Sprintf(agentKeyFmt, a.IdentityID),
		"identity_id", a.IdentityID,
		"public_key", a.PublicKey,
		"fingerprint", a.Fingerprint,
		"created_at", createdAt,
		"updated_at", now,
	).Err()
	if err != nil {
		return err
	}
	a.CreatedAt, a.UpdatedAt = createdAt, now
	return nil
}

// Rotate replaces an agent's key material, dropping the old uniqueness
// indexes. Used by the settings webhook.
func (s *AgentStore) Rotate(ctx context.Context, identityID, publicKey, fingerprint string) (*Agent, error) {
	existing, err := s.GetByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	if existing.PublicKey != publicKey {
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, fmt.Sprintf(fpKeyFmt, existing.Fingerprint))
			pipe.Del(ctx, fmt.Sprintf(pkKeyFmt, existing.PublicKey))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	a := &Agent{IdentityID: identityID, PublicKey: publicKey, Fingerprint: fingerprint}
	if err := s.Upsert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AgentStore) GetByID(ctx context.Context, identityID string) (*Agent, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(agentKeyFmt, identityID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return agentFromMap(vals), nil
}

func (s *AgentStore) GetByFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	return s.getByIndex(ctx, fmt.Sprintf(fpKeyFmt, fingerprint))
}

func (s *AgentStore) GetByPublicKey(ctx context.Context, publicKey string) (*Agent, error) {
	return s.getByIndex(ctx, fmt.Sprintf(pkKeyFmt, publicKey))
}

func (s *AgentStore) getByIndex(ctx context.Context, key string) (*Agent, error) {
	id, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// PublicKeyFor implements signing.KeyDirectory.
func (s *AgentStore) PublicKeyFor(ctx context.Context, identityID string) (ed25519.PublicKey, error) {
	a, err := s.GetByID(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent %s not registered", identityID)
	}
	return identity.ParsePublicKey(a.PublicKey)
}

func agentFromMap(m map[string]string) *Agent {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	return &Agent{
		IdentityID:  m["identity_id"],
		PublicKey:   m["public_key"],
		Fingerprint: m["fingerprint"],
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}
