package signing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key templates
const (
	reqKeyFmt       = "signing:req:%s"       // %s = request id, hash
	agentKeyFmt     = "signing:agent:%s"     // %s = agent id, zset (score = created_at)
	deliverKeyFmt   = "signing:deliver:%s"   // %s = workflow id, list (the delivery slot)
	deliveredKeyFmt = "signing:delivered:%s" // %s = workflow id, SETNX at-most-once marker
	terminalKeyFmt  = "signing:terminal:%s"  // %s = request id, SETNX exactly-once gate
)

// retention keeps terminal rows readable for a day before Redis reclaims them.
const retention = 24 * time.Hour

// Store persists signing requests in Redis hashes with a per-agent index.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Save(ctx context.Context, r *Request) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(reqKeyFmt, r.ID),
			"id", r.ID,
			"agent_id", r.AgentID,
			"message", r.Message,
			"nonce", r.Nonce,
			"workflow_id", r.WorkflowID,
			"status", string(r.Status),
			"created_at", r.CreatedAt,
			"expires_at", r.ExpiresAt,
		)
		pipe.ZAdd(ctx, fmt.Sprintf(agentKeyFmt, r.AgentID), redis.Z{
			Score:  float64(r.CreatedAt),
			Member: r.ID,
		})
		return nil
	})
	return err
}

// Get returns the request, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	vals, err := s.rdb.HGetAll(ctx, fmt.Sprintf(reqKeyFmt, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return requestFromMap(vals), nil
}

// ListByAgent returns the agent's requests, newest first, optionally filtered
// by status.
func (s *Store) ListByAgent(ctx context.Context, agentID string, statuses []Status, limit, offset int64) ([]Request, error) {
	ids, err := s.rdb.ZRevRange(ctx, fmt.Sprintf(agentKeyFmt, agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	wanted := func(st Status) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, w := range statuses {
			if w == st {
				return true
			}
		}
		return false
	}

	out := make([]Request, 0, limit)
	var skipped int64
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil || !wanted(r.Status) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *r)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

// terminalScript claims the terminal gate and writes the row's terminal
// fields in one server-side step, so the gate and the row can never diverge.
// KEYS[1] = gate, KEYS[2] = row; ARGV[1] = terminal status, ARGV[2] = gate
// TTL in ms, ARGV[3..] = row field/value pairs.
var terminalScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
for i = 3, #ARGV, 2 do
	redis.call("HSET", KEYS[2], ARGV[i], ARGV[i+1])
end
return 1
`)

func (s *Store) terminal(ctx context.Context, id string, st Status, fields ...any) (bool, error) {
	args := append([]any{string(st), retention.Milliseconds()}, fields...)
	won, err := terminalScript.Run(ctx, s.rdb,
		[]string{fmt.Sprintf(terminalKeyFmt, id), fmt.Sprintf(reqKeyFmt, id)},
		args...).Int64()
	if err != nil {
		return false, err
	}
	return won == 1, nil
}

// Complete performs the terminal pending → completed transition, exactly
// once; a false return means another writer (or the expiry path) got there
// first.
func (s *Store) Complete(ctx context.Context, id, signature string, valid bool, completedAt int64) (bool, error) {
	return s.terminal(ctx, id, StatusCompleted,
		"status", string(StatusCompleted),
		"signature", signature,
		"valid", strconv.FormatBool(valid),
		"completed_at", completedAt,
	)
}

// Expire performs the terminal pending → expired transition.
func (s *Store) Expire(ctx context.Context, id string) (bool, error) {
	return s.terminal(ctx, id, StatusExpired, "status", string(StatusExpired))
}

// ScanPending walks all stored requests and yields the pending ones. Used to
// rehydrate in-flight workflows after a restart.
func (s *Store) ScanPending(ctx context.Context, fn func(*Request)) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, fmt.Sprintf(reqKeyFmt, "*"), 100).Result()
		if err != nil {
			return fmt.Errorf("scan signing requests: %w", err)
		}
		for _, key := range keys {
			vals, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(vals) == 0 {
				continue
			}
			r := requestFromMap(vals)
			if r.Status == StatusPending {
				fn(r)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func requestFromMap(m map[string]string) *Request {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	completedAt, _ := strconv.ParseInt(m["completed_at"], 10, 64)

	r := &Request{
		ID:          m["id"],
		AgentID:     m["agent_id"],
		Message:     m["message"],
		Nonce:       m["nonce"],
		WorkflowID:  m["workflow_id"],
		Status:      Status(m["status"]),
		Signature:   m["signature"],
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		CompletedAt: completedAt,
	}
	if v, ok := m["valid"]; ok && v != "" {
		valid := v == "true"
		r.Valid = &valid
	}
	return r
}
