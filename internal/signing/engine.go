package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/identity"
)

// KeyDirectory resolves an agent's registered public key. Implemented by the
// registry's agent store.
type KeyDirectory interface {
	PublicKeyFor(ctx context.Context, identityID string) (ed25519.PublicKey, error)
}

// Engine runs one durable waiter per pending request. The waiter is the single
// writer for the request's terminal transition; submit paths only deliver into
// the workflow's inbound slot. Waiters outlive the request that created them
// and are rehydrated from the store after a restart.
type Engine struct {
	// base is the process lifetime, not any caller's. Cancelling an HTTP
	// request must not cancel its workflow.
	base  context.Context
	rdb   *redis.Client
	store *Store
	keys  KeyDirectory
	log   *zap.Logger
}

func NewEngine(base context.Context, rdb *redis.Client, store *Store, keys KeyDirectory, log *zap.Logger) *Engine {
	return &Engine{base: base, rdb: rdb, store: store, keys: keys, log: log}
}

// Start launches the waiter for r.
func (e *Engine) Start(r *Request) {
	go e.run(r.ID, r.WorkflowID, time.Unix(r.ExpiresAt, 0))
}

// Rehydrate restarts waiters for every pending request; terminal rows are
// skipped. Called once at startup.
func (e *Engine) Rehydrate(ctx context.Context) error {
	count := 0
	err := e.store.ScanPending(ctx, func(r *Request) {
		e.Start(r)
		count++
	})
	if err != nil {
		return err
	}
	if count > 0 {
		e.log.Info("rehydrated pending signing workflows", zap.Int("count", count))
	}
	return nil
}

// Deliver pushes a signature into the workflow's delivery slot. The slot is
// at-most-once: the first delivery wins and later ones report false without
// re-driving verification.
func (e *Engine) Deliver(ctx context.Context, workflowID, signature string) (bool, error) {
	won, err := e.rdb.SetNX(ctx, fmt.Sprintf(deliveredKeyFmt, workflowID), 1, retention).Result()
	if err != nil {
		return false, fmt.Errorf("mark delivery: %w", err)
	}
	if !won {
		return false, nil
	}
	key := fmt.Sprintf(deliverKeyFmt, workflowID)
	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, signature)
		pipe.Expire(ctx, key, retention)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deliver signature: %w", err)
	}
	return true, nil
}

// run awaits either a delivery or the expiry deadline, then performs the
// single terminal transition.
func (e *Engine) run(id, workflowID string, deadline time.Time) {
	deliverKey := fmt.Sprintf(deliverKeyFmt, workflowID)

	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			e.expire(id)
			return
		}

		res, err := e.rdb.BLPop(e.base, wait, deliverKey).Result()
		if err != nil {
			if err == redis.Nil {
				// Timeout: deadline reached, loop falls through to expiry.
				continue
			}
			if e.base.Err() != nil {
				return
			}
			e.log.Error("signing waiter: BLPOP", zap.String("request", id), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		e.complete(id, res[1])
		return
	}
}

// complete verifies the delivered signature against the owner's registered
// key and writes the terminal row. A no-op for already-terminal requests.
func (e *Engine) complete(id, signatureB64 string) {
	row, err := e.store.Get(e.base, id)
	if err != nil {
		e.log.Error("signing waiter: load request", zap.String("request", id), zap.Error(err))
		return
	}
	if row == nil || row.Status != StatusPending {
		return
	}

	valid := false
	if sig, err := base64.StdEncoding.DecodeString(signatureB64); err == nil {
		pub, err := e.keys.PublicKeyFor(e.base, row.AgentID)
		if err != nil {
			e.log.Warn("signing waiter: key lookup failed",
				zap.String("request", id),
				zap.String("agent", row.AgentID),
				zap.Error(err),
			)
		} else {
			valid = identity.Verify(pub, row.Message, row.Nonce, sig)
		}
	}

	won, err := e.store.Complete(e.base, id, signatureB64, valid, time.Now().Unix())
	if err != nil {
		e.log.Error("signing waiter: complete", zap.String("request", id), zap.Error(err))
		return
	}
	if won {
		e.log.Info("signing request completed",
			zap.String("request", id),
			zap.Bool("valid", valid),
		)
	}
}

func (e *Engine) expire(id string) {
	won, err := e.store.Expire(e.base, id)
	if err != nil {
		e.log.Error("signing waiter: expire", zap.String("request", id), zap.Error(err))
		return
	}
	if won {
		e.log.Info("signing request expired", zap.String("request", id))
	}
}
