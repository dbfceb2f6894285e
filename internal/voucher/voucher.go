// Package voucher implements web-of-trust admission control: agents issue
// single-use vouchers (capped per issuer) that new agents redeem during
// registration. Redemption is one-shot; a SETNX marker is the single-winner
// gate so exactly one concurrent redeemer can consume a code.
package voucher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key templates
const (
	codeKeyFmt     = "voucher:code:%s"     // %s = code, hash of voucher fields
	issuerKeyFmt   = "voucher:issuer:%s"   // %s = issuer identity id, set of codes
	redeemedKeyFmt = "voucher:redeemed:%s" // %s = code, SETNX single-winner marker
	edgesKey       = "voucher:edges"       // list of JSON trust edges
)

// issueMaxRetries bounds the optimistic WATCH loop in Issue. Every conflict
// means another issuance committed, so the loop converges fast in practice.
const issueMaxRetries = 1000

type Voucher struct {
	Code       string `json:"code"`
	IssuerID   string `json:"issuerId"`
	RedeemedBy string `json:"redeemedBy,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	RedeemedAt int64  `json:"redeemedAt,omitempty"`
}

// Active reports whether v can still be redeemed.
func (v *Voucher) Active(now time.Time) bool {
	return v.RedeemedAt == 0 && v.ExpiresAt > now.Unix()
}

// TrustEdge is one consumed voucher in the trust graph. Identifiers are
// fingerprints: stable, key-derived, never display names.
type TrustEdge struct {
	IssuerFingerprint   string `json:"issuerFingerprint"`
	RedeemerFingerprint string `json:"redeemerFingerprint"`
	RedeemedAt          int64  `json:"redeemedAt"`
}

type Engine struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxActive int64
	log       *zap.Logger
}

func NewEngine(rdb *redis.Client, ttl time.Duration, maxActive int64, log *zap.Logger) *Engine {
	return &Engine{rdb: rdb, ttl: ttl, maxActive: maxActive, log: log}
}

// Issue mints a fresh voucher for issuerID, or returns nil when the issuer
// already has the maximum number of active vouchers. The cap check and insert
// run under WATCH on the issuer's code set so concurrent issuance cannot
// exceed the cap.
func (e *Engine) Issue(ctx context.Context, issuerID string) (*Voucher, error) {
	codeBytes := make([]byte, 32)
	if _, err := rand.Read(codeBytes); err != nil {
		return nil, fmt.Errorf("mint voucher code: %w", err)
	}
	code := hex.EncodeToString(codeBytes)
	now := time.Now()

	v := &Voucher{
		Code:      code,
		IssuerID:  issuerID,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(e.ttl).Unix(),
	}

	issuerKey := fmt.Sprintf(issuerKeyFmt, issuerID)
	var capped bool

	txn := func(tx *redis.Tx) error {
		capped = false
		codes, err := tx.SMembers(ctx, issuerKey).Result()
		if err != nil {
			return err
		}
		var active int64
		for _, c := range codes {
			existing, err := e.load(ctx, tx, c)
			if err != nil {
				return err
			}
			if existing != nil && existing.Active(now) {
				active++
			}
		}
		if active >= e.maxActive {
			capped = true
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			codeKey := fmt.Sprintf(codeKeyFmt, code)
			pipe.HSet(ctx, codeKey,
				"code", v.Code,
				"issuer_id", v.IssuerID,
				"created_at", v.CreatedAt,
				"expires_at", v.ExpiresAt,
			)
			// Keep expired rows around for a while so list views stay stable,
			// then let Redis reclaim them. Redeemed rows are PERSISTed.
			pipe.Expire(ctx, codeKey, 2*e.ttl)
			pipe.SAdd(ctx, issuerKey, code)
			return nil
		})
		return err
	}

	// Optimistic retry: a conflict means a concurrent issuance moved the set,
	// so the next attempt re-reads it. The voucher is only handed back once
	// its transaction actually committed.
	committed := false
	for i := 0; i < issueMaxRetries; i++ {
		err := e.rdb.Watch(ctx, txn, issuerKey)
		if err == nil {
			committed = true
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("issue voucher: %w", err)
	}
	if !committed {
		return nil, fmt.Errorf("issue voucher: %w", redis.TxFailedErr)
	}

	if capped {
		return nil, nil
	}
	return v, nil
}

// Redeem atomically consumes code for redeemerID. Exactly one concurrent
// caller wins; everyone else — and any unknown, expired, or already-redeemed
// code — gets nil. Callers must not leak which case occurred.
func (e *Engine) Redeem(ctx context.Context, code, redeemerID string) (*Voucher, error) {
	v, err := e.load(ctx, e.rdb, code)
	if err != nil {
		return nil, err
	}
	if v == nil || !v.Active(time.Now()) {
		return nil, nil
	}

	won, err := e.rdb.SetNX(ctx, fmt.Sprintf(redeemedKeyFmt, code), redeemerID, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
	if !won {
		return nil, nil
	}

	now := time.Now().Unix()
	codeKey := fmt.Sprintf(codeKeyFmt, code)
	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, codeKey, "redeemed_by", redeemerID, "redeemed_at", now)
		pipe.Persist(ctx, codeKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record redemption: %w", err)
	}

	v.RedeemedBy = redeemerID
	v.RedeemedAt = now
	return v, nil
}

// Release undoes a redemption. Registration uses it when a later step fails,
// so the voucher remains the authoritative admission record.
func (e *Engine) Release(ctx context.Context, code string) error {
	codeKey := fmt.Sprintf(codeKeyFmt, code)
	_, err := e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fmt.Sprintf(redeemedKeyFmt, code))
		pipe.HDel(ctx, codeKey, "redeemed_by", "redeemed_at")
		return nil
	})
	return err
}

// ListActiveByIssuer returns the issuer's still-redeemable vouchers.
func (e *Engine) ListActiveByIssuer(ctx context.Context, issuerID string) ([]Voucher, error) {
	codes, err := e.rdb.SMembers(ctx, fmt.Sprintf(issuerKeyFmt, issuerID)).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Voucher, 0, len(codes))
	for _, code := range codes {
		v, err := e.load(ctx, e.rdb, code)
		if err != nil {
			return nil, err
		}
		if v != nil && v.Active(now) {
			out = append(out, *v)
		}
	}
	return out, nil
}

// RecordTrustEdge appends a consumed voucher to the trust graph. Called by
// the registration coordinator, which knows both fingerprints.
func (e *Engine) RecordTrustEdge(ctx context.Context, edge TrustEdge) error {
	raw, err := json.Marshal(edge)
	if err != nil {
		return err
	}
	return e.rdb.RPush(ctx, edgesKey, raw).Err()
}

// TrustGraph returns all recorded trust edges.
func (e *Engine) TrustGraph(ctx context.Context) ([]TrustEdge, error) {
	raws, err := e.rdb.LRange(ctx, edgesKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	edges := make([]TrustEdge, 0, len(raws))
	for _, raw := range raws {
		var edge TrustEdge
		if err := json.Unmarshal([]byte(raw), &edge); err != nil {
			e.log.Warn("skipping malformed trust edge", zap.Error(err))
			continue
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

// load reads one voucher hash; nil when the code is unknown.
func (e *Engine) load(ctx context.Context, c redis.Cmdable, code string) (*Voucher, error) {
	vals, err := c.HGetAll(ctx, fmt.Sprintf(codeKeyFmt, code)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	createdAt, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(vals["expires_at"], 10, 64)
	redeemedAt, _ := strconv.ParseInt(vals["redeemed_at"], 10, 64)
	return &Voucher{
		Code:       vals["code"],
		IssuerID:   vals["issuer_id"],
		RedeemedBy: vals["redeemed_by"],
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		RedeemedAt: redeemedAt,
	}, nil
}
