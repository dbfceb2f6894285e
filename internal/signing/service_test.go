package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/identity"
)

type fakeKeys map[string]ed25519.PublicKey

func (f fakeKeys) PublicKeyFor(_ context.Context, identityID string) (ed25519.PublicKey, error) {
	if k, ok := f[identityID]; ok {
		return k, nil
	}
	return nil, errors.New("unknown agent")
}

func newTestService(t *testing.T, timeout time.Duration, keys fakeKeys) (*Service, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := NewStore(rdb)
	engine := NewEngine(ctx, rdb, store, keys, zap.NewNop())
	return NewService(store, engine, timeout), store
}

func agentKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

// signInput decodes the request's signingInput and signs the exact bytes.
func signInput(t *testing.T, priv ed25519.PrivateKey, signingInput string) string {
	t.Helper()
	input, err := base64.StdEncoding.DecodeString(signingInput)
	if err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, input))
}

func waitForStatus(t *testing.T, store *Store, id string, want Status) *Request {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if r != nil && r.Status == want {
			return r
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("request %s never reached status %s", id, want)
	return nil
}

// ── Create ───────────────────────────────────────────────────────────────────

func TestCreate(t *testing.T) {
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "Sign this e2e message")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != StatusPending {
		t.Errorf("Status: %s", r.Status)
	}
	if len(r.Nonce) != 32 {
		t.Errorf("Nonce: %d hex chars, want 32 (128 bits)", len(r.Nonce))
	}
	if r.SigningInput != identity.EncodeSigningInput(r.Message, r.Nonce) {
		t.Error("signingInput does not match canonical envelope")
	}
	if r.WorkflowID == "" {
		t.Error("workflowId missing")
	}
	if r.ExpiresAt-r.CreatedAt != 300 {
		t.Errorf("expiry window: %d s", r.ExpiresAt-r.CreatedAt)
	}
}

func TestCreate_MessageLength(t *testing.T) {
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, "agent-1", ""); !errors.Is(err, ErrMessageLength) {
		t.Errorf("empty message: %v", err)
	}

	long := make([]rune, MaxMessageLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := svc.Create(ctx, "agent-1", string(long)); !errors.Is(err, ErrMessageLength) {
		t.Errorf("oversized message: %v", err)
	}
}

// ── Submit: happy path ───────────────────────────────────────────────────────

func TestSubmit_ValidSignature(t *testing.T) {
	pub, priv := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "Sign this e2e message")
	if err != nil {
		t.Fatal(err)
	}

	sig := signInput(t, priv, r.SigningInput)
	got, err := svc.Submit(ctx, r.ID, "agent-1", sig)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status: %s", got.Status)
	}
	if got.Valid == nil || !*got.Valid {
		t.Error("expected valid=true")
	}
	if got.Signature != sig {
		t.Error("stored signature differs from submitted")
	}
	if got.CompletedAt == 0 {
		t.Error("completedAt not set")
	}
}

func TestSubmit_UnicodeMessage(t *testing.T) {
	pub, priv := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "sign this — with a 🔑")
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Submit(ctx, r.ID, "agent-1", signInput(t, priv, r.SigningInput))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.Valid == nil || !*got.Valid {
		t.Errorf("unicode payload: status=%s valid=%v", got.Status, got.Valid)
	}
}

// ── Submit: wrong key ────────────────────────────────────────────────────────

func TestSubmit_WrongKey(t *testing.T) {
	pub, _ := agentKeypair(t)
	_, otherPriv := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "Sign this e2e message")
	if err != nil {
		t.Fatal(err)
	}

	// Signature over the right bytes under the wrong key: completes with
	// valid=false, never a 4xx.
	got, err := svc.Submit(ctx, r.ID, "agent-1", signInput(t, otherPriv, r.SigningInput))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status: %s", got.Status)
	}
	if got.Valid == nil || *got.Valid {
		t.Error("expected valid=false")
	}
}

// ── Submit: terminal and ownership errors ────────────────────────────────────

func TestSubmit_AlreadyCompleted(t *testing.T) {
	pub, priv := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "once")
	if err != nil {
		t.Fatal(err)
	}
	sig := signInput(t, priv, r.SigningInput)
	if _, err := svc.Submit(ctx, r.ID, "agent-1", sig); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Submit(ctx, r.ID, "agent-1", sig); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("expected ErrAlreadyCompleted, got %v", err)
	}
}

func TestSubmit_Expired(t *testing.T) {
	pub, _ := agentKeypair(t)
	// Negative timeout: the row is born past its deadline.
	svc, store := newTestService(t, -time.Second, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "too late")
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, store, r.ID, StatusExpired)

	if _, err := svc.Submit(ctx, r.ID, "agent-1", "c2ln"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestSubmit_OwnershipIndistinguishable(t *testing.T) {
	pub, _ := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "mine")
	if err != nil {
		t.Fatal(err)
	}

	_, foreignErr := svc.Submit(ctx, r.ID, "agent-2", "c2ln")
	_, missingErr := svc.Submit(ctx, "00000000-0000-0000-0000-000000000000", "agent-2", "c2ln")
	if !errors.Is(foreignErr, ErrNotFound) || !errors.Is(missingErr, ErrNotFound) {
		t.Errorf("foreign=%v missing=%v, both must be ErrNotFound", foreignErr, missingErr)
	}
}

func TestSubmit_SignatureTooLong(t *testing.T) {
	pub, _ := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "msg")
	if err != nil {
		t.Fatal(err)
	}

	long := make([]byte, identity.MaxSignatureLength+1)
	for i := range long {
		long[i] = 'A'
	}
	if _, err := svc.Submit(ctx, r.ID, "agent-1", string(long)); !errors.Is(err, ErrSignatureLength) {
		t.Errorf("expected ErrSignatureLength, got %v", err)
	}
}

// ── Get / List ───────────────────────────────────────────────────────────────

func TestGet_OwnerOnly(t *testing.T) {
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{})
	ctx := context.Background()

	r, err := svc.Create(ctx, "agent-1", "mine")
	if err != nil {
		t.Fatal(err)
	}

	if got, err := svc.Get(ctx, r.ID, "agent-1"); err != nil || got.ID != r.ID {
		t.Errorf("owner get: %v", err)
	}
	if _, err := svc.Get(ctx, r.ID, "agent-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign get: %v", err)
	}
	if _, err := svc.Get(ctx, "nope", "agent-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get: %v", err)
	}
}

func TestList_StatusFilter(t *testing.T) {
	pub, priv := agentKeypair(t)
	svc, _ := newTestService(t, 5*time.Minute, fakeKeys{"agent-1": pub})
	ctx := context.Background()

	first, err := svc.Create(ctx, "agent-1", "one")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, "agent-1", "two"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit(ctx, first.ID, "agent-1", signInput(t, priv, first.SigningInput)); err != nil {
		t.Fatal(err)
	}

	pending, err := svc.List(ctx, "agent-1", "pending", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("pending: %d", len(pending))
	}

	completed, err := svc.List(ctx, "agent-1", "completed", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 1 || completed[0].ID != first.ID {
		t.Errorf("completed: %+v", completed)
	}

	all, err := svc.List(ctx, "agent-1", "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all: %d", len(all))
	}

	if other, _ := svc.List(ctx, "agent-2", "", 0, 0); len(other) != 0 {
		t.Errorf("foreign agent sees %d requests", len(other))
	}
}

// ── Terminal transitions ─────────────────────────────────────────────────────

func TestTerminalTransition_GateAndRowMoveTogether(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	store := NewStore(rdb)

	r := &Request{
		ID:        "req-terminal",
		AgentID:   "agent-1",
		Status:    StatusPending,
		CreatedAt: time.Now().Unix(),
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	}
	if err := store.Save(ctx, r); err != nil {
		t.Fatal(err)
	}

	won, err := store.Complete(ctx, r.ID, "c2ln", true, time.Now().Unix())
	if err != nil || !won {
		t.Fatalf("Complete: won=%v err=%v", won, err)
	}

	// The gate and the row are one write: both visible, never one of them.
	if !mr.Exists("signing:terminal:req-terminal") {
		t.Fatal("terminal gate missing after Complete")
	}
	got, err := store.Get(ctx, r.ID)
	if err != nil || got == nil || got.Status != StatusCompleted {
		t.Fatalf("row after Complete = %+v, %v", got, err)
	}

	// The losing transition leaves the row untouched.
	won, err = store.Expire(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("Expire won after Complete")
	}
	if got, _ = store.Get(ctx, r.ID); got.Status != StatusCompleted {
		t.Errorf("status after losing Expire = %s", got.Status)
	}
}

// ── Rehydration ──────────────────────────────────────────────────────────────

func TestRehydrate_CompletesAfterRestart(t *testing.T) {
	pub, priv := agentKeypair(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := NewStore(rdb)

	// Simulate a row written before a crash: persisted but with no waiter.
	r := &Request{
		ID:         "req-rehydrate",
		AgentID:    "agent-1",
		Message:    "survive restarts",
		Nonce:      "00112233445566778899aabbccddeeff",
		WorkflowID: "wf-rehydrate",
		Status:     StatusPending,
		CreatedAt:  time.Now().Unix(),
		ExpiresAt:  time.Now().Add(5 * time.Minute).Unix(),
	}
	if err := store.Save(ctx, r); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(ctx, rdb, store, fakeKeys{"agent-1": pub}, zap.NewNop())
	if err := engine.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	sig := base64.StdEncoding.EncodeToString(identity.Sign(priv, r.Message, r.Nonce))
	if _, err := engine.Deliver(ctx, r.WorkflowID, sig); err != nil {
		t.Fatal(err)
	}

	got := waitForStatus(t, store, r.ID, StatusCompleted)
	if got.Valid == nil || !*got.Valid {
		t.Error("rehydrated workflow verified incorrectly")
	}
}

func TestDeliver_AtMostOncePerSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := NewEngine(ctx, rdb, NewStore(rdb), fakeKeys{}, zap.NewNop())

	won, err := engine.Deliver(ctx, "wf-1", "c2ln")
	if err != nil || !won {
		t.Fatalf("first delivery: won=%v err=%v", won, err)
	}
	won, err = engine.Deliver(ctx, "wf-1", "b3RoZXI=")
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Error("duplicate delivery accepted")
	}
}
