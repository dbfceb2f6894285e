package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/identity"
	"github.com/moltnet/moltnet/internal/registry"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeDirectory struct {
	agents map[string]*registry.Agent // keyed by formatted public key
}

func (f *fakeDirectory) GetByPublicKey(_ context.Context, pk string) (*registry.Agent, error) {
	return f.agents[pk], nil
}

type fakeAdmin struct {
	calls int
	err   error
}

func (f *fakeAdmin) CreateRecoveryCode(_ context.Context, identityID string) (*RecoveryCode, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &RecoveryCode{Code: "code-" + identityID, FlowURL: "https://id.example/recover"}, nil
}

type recoveryFixture struct {
	engine *Engine
	mr     *miniredis.Miniredis
	admin  *fakeAdmin
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	pubStr string
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubStr := identity.FormatPublicKey(pub)

	dir := &fakeDirectory{agents: map[string]*registry.Agent{
		pubStr: {IdentityID: "id-1", PublicKey: pubStr, Fingerprint: identity.Fingerprint(pub)},
	}}
	admin := &fakeAdmin{}
	return &recoveryFixture{
		engine: NewEngine(rdb, testSecret, dir, admin, zap.NewNop()),
		mr:     mr,
		admin:  admin,
		pub:    pub,
		priv:   priv,
		pubStr: pubStr,
	}
}

func (f *recoveryFixture) signedInput(t *testing.T, ch *Challenge) VerifyInput {
	t.Helper()
	sig := ed25519.Sign(f.priv, []byte(ch.Challenge))
	return VerifyInput{
		Challenge: ch.Challenge,
		HMAC:      ch.HMAC,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

func TestRecoveryHappyPath(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	ch, err := f.engine.RequestChallenge(ctx, f.pubStr)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}

	code, err := f.engine.VerifyChallenge(ctx, f.signedInput(t, ch))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if code.Code != "code-id-1" {
		t.Errorf("code = %q", code.Code)
	}
	if f.admin.calls != 1 {
		t.Errorf("admin calls = %d, want 1", f.admin.calls)
	}
}

func TestRecoveryNonceSingleUse(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	ch, err := f.engine.RequestChallenge(ctx, f.pubStr)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	in := f.signedInput(t, ch)

	if _, err := f.engine.VerifyChallenge(ctx, in); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := f.engine.VerifyChallenge(ctx, in); !errors.Is(err, ErrChallengeRejected) {
		t.Fatalf("replay error = %v, want ErrChallengeRejected", err)
	}
	if f.admin.calls != 1 {
		t.Errorf("admin calls = %d, want 1", f.admin.calls)
	}
}

func TestRecoveryRejections(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	fresh := func() VerifyInput {
		ch, err := f.engine.RequestChallenge(ctx, f.pubStr)
		if err != nil {
			t.Fatalf("request challenge: %v", err)
		}
		return f.signedInput(t, ch)
	}

	cases := []struct {
		name   string
		mutate func(in VerifyInput) VerifyInput
	}{
		{"garbage challenge", func(in VerifyInput) VerifyInput {
			in.Challenge = "moltnet:recovery:broken"
			return in
		}},
		{"tampered mac", func(in VerifyInput) VerifyInput {
			in.HMAC = identity.ChallengeMAC(in.Challenge, []byte("wrong-secret-wrong-secret!!!"))
			return in
		}},
		{"tampered challenge body", func(in VerifyInput) VerifyInput {
			in.Challenge += "0"
			return in
		}},
		{"bad signature", func(in VerifyInput) VerifyInput {
			in.Signature = base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
			return in
		}},
		{"mismatched public key hint", func(in VerifyInput) VerifyInput {
			in.PublicKey = "ed25519:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
			return in
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.VerifyChallenge(ctx, tc.mutate(fresh()))
			if !errors.Is(err, ErrChallengeRejected) {
				t.Fatalf("error = %v, want ErrChallengeRejected", err)
			}
		})
	}
	if f.admin.calls != 0 {
		t.Errorf("admin calls = %d, want 0", f.admin.calls)
	}
}

func TestRecoveryStaleChallenge(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	ch, err := f.engine.RequestChallenge(ctx, f.pubStr)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}

	// Rebuild the challenge with an old timestamp and a valid MAC and
	// signature: the freshness window alone must reject it.
	parsed, err := identity.ParseChallenge(ch.Challenge)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	staleMs := strconv.FormatInt(time.Now().Add(-6*time.Minute).UnixMilli(), 10)
	stale := "moltnet:recovery:" + parsed.PublicKey + ":" + parsed.Nonce + ":" + staleMs
	in := VerifyInput{
		Challenge: stale,
		HMAC:      identity.ChallengeMAC(stale, testSecret),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(f.priv, []byte(stale))),
	}

	if _, err := f.engine.VerifyChallenge(ctx, in); !errors.Is(err, ErrChallengeRejected) {
		t.Fatalf("error = %v, want ErrChallengeRejected", err)
	}
	if f.admin.calls != 0 {
		t.Errorf("admin calls = %d, want 0", f.admin.calls)
	}
}

func TestRecoveryUnknownKeyIndistinguishable(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	otherPub, otherPriv, _ := ed25519.GenerateKey(nil)
	otherStr := identity.FormatPublicKey(otherPub)

	ch, err := f.engine.RequestChallenge(ctx, otherStr)
	if err != nil {
		t.Fatalf("request challenge for unknown key: %v", err)
	}
	if ch.Challenge == "" || ch.HMAC == "" {
		t.Fatal("unknown key did not receive a full challenge")
	}

	sig := ed25519.Sign(otherPriv, []byte(ch.Challenge))
	_, err = f.engine.VerifyChallenge(ctx, VerifyInput{
		Challenge: ch.Challenge,
		HMAC:      ch.HMAC,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if !errors.Is(err, ErrChallengeRejected) {
		t.Fatalf("error = %v, want ErrChallengeRejected", err)
	}
	if f.admin.calls != 0 {
		t.Errorf("admin calls = %d, want 0", f.admin.calls)
	}
}

func TestRecoveryUpstreamError(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.admin.err = errors.New("kratos down")

	ch, err := f.engine.RequestChallenge(ctx, f.pubStr)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	_, err = f.engine.VerifyChallenge(ctx, f.signedInput(t, ch))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
}

func TestKratosAdminClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/recovery/code" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"recovery_code":"rc-123","recovery_link":"https://id.example/flow"}`))
	}))
	defer srv.Close()

	code, err := NewKratosAdmin(srv.URL).CreateRecoveryCode(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("create recovery code: %v", err)
	}
	if code.Code != "rc-123" || code.FlowURL != "https://id.example/flow" {
		t.Errorf("code = %+v", code)
	}
}

func TestKratosAdminClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewKratosAdmin(srv.URL).CreateRecoveryCode(context.Background(), "id-1"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}
