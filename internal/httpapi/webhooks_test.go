package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/identity"
)

func (f *apiFixture) doWebhook(t *testing.T, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-ory-api-key", apiKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func registrationBody(identityID, publicKey, voucherCode string) gin.H {
	return gin.H{
		"identity": gin.H{
			"id": identityID,
			"traits": gin.H{
				"public_key":   publicKey,
				"voucher_code": voucherCode,
			},
		},
	}
}

func TestWebhookAuth(t *testing.T) {
	f := newAPIFixture(t)

	for _, key := range []string{"", "wrong-key"} {
		w := f.doWebhook(t, "/webhooks/registration", key, gin.H{})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("key %q: status = %d, want 401", key, w.Code)
		}
	}
}

func TestWebhookRegistration(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// Seed an issuer and a voucher for the newcomer.
	f.registerAgent(t, "issuer-1")
	v, err := f.vouchers.Issue(ctx, "issuer-1")
	if err != nil || v == nil {
		t.Fatalf("issue voucher: %v, %v", v, err)
	}

	pub, _, _ := ed25519.GenerateKey(nil)
	pubStr := identity.FormatPublicKey(pub)

	w := f.doWebhook(t, "/webhooks/registration", testWebhookKey,
		registrationBody("newcomer-1", pubStr, v.Code))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var out struct {
		Identity struct {
			MetadataPublic struct {
				Fingerprint string `json:"fingerprint"`
				PublicKey   string `json:"public_key"`
			} `json:"metadata_public"`
		} `json:"identity"`
	}
	decodeJSON(t, w, &out)
	if out.Identity.MetadataPublic.Fingerprint != identity.Fingerprint(pub) {
		t.Errorf("fingerprint = %q", out.Identity.MetadataPublic.Fingerprint)
	}
	if out.Identity.MetadataPublic.PublicKey != pubStr {
		t.Errorf("public_key = %q", out.Identity.MetadataPublic.PublicKey)
	}

	agent, err := f.agents.GetByID(ctx, "newcomer-1")
	if err != nil || agent == nil {
		t.Fatalf("agent after registration: %v, %v", agent, err)
	}
}

func TestWebhookRegistrationValidationEnvelope(t *testing.T) {
	f := newAPIFixture(t)
	f.registerAgent(t, "issuer-1")
	v, err := f.vouchers.Issue(context.Background(), "issuer-1")
	if err != nil || v == nil {
		t.Fatalf("issue voucher: %v, %v", v, err)
	}
	pub, _, _ := ed25519.GenerateKey(nil)

	cases := []struct {
		name    string
		body    gin.H
		wantPtr string
	}{
		{"bad public key", registrationBody("n-1", "not-a-key", v.Code), "#/traits/public_key"},
		{"bad voucher", registrationBody("n-1", identity.FormatPublicKey(pub), "deadbeef"), "#/traits/voucher_code"},
		{"missing identity", gin.H{}, "#/identity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.doWebhook(t, "/webhooks/registration", testWebhookKey, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var out struct {
				Messages []struct {
					InstancePtr string `json:"instance_ptr"`
					Messages    []struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"messages"`
				} `json:"messages"`
			}
			decodeJSON(t, w, &out)
			if len(out.Messages) != 1 || out.Messages[0].InstancePtr != tc.wantPtr {
				t.Fatalf("envelope = %s", w.Body.String())
			}
			if len(out.Messages[0].Messages) != 1 || out.Messages[0].Messages[0].Type != "error" {
				t.Fatalf("inner messages = %s", w.Body.String())
			}
		})
	}
}

func TestWebhookSettingsRotatesKey(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "id-1")

	newPub, _, _ := ed25519.GenerateKey(nil)
	newStr := identity.FormatPublicKey(newPub)

	body := gin.H{"identity": gin.H{"id": "id-1", "traits": gin.H{"public_key": newStr}}}
	w := f.doWebhook(t, "/webhooks/settings", testWebhookKey, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	agent, err := f.agents.GetByID(ctx, "id-1")
	if err != nil || agent == nil {
		t.Fatalf("agent: %v, %v", agent, err)
	}
	if agent.PublicKey != newStr || agent.Fingerprint != identity.Fingerprint(newPub) {
		t.Errorf("agent after rotate = %+v", agent)
	}
}

func TestWebhookSettingsUnknownIdentity(t *testing.T) {
	f := newAPIFixture(t)
	pub, _, _ := ed25519.GenerateKey(nil)

	body := gin.H{"identity": gin.H{"id": "nobody", "traits": gin.H{"public_key": identity.FormatPublicKey(pub)}}}
	w := f.doWebhook(t, "/webhooks/settings", testWebhookKey, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhookTokenExchange(t *testing.T) {
	// A dedicated OAuth2 admin stub serving client metadata.
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/clients/agent-client":
			w.Write([]byte(`{"client_id":"agent-client","metadata":{"identity_id":"id-1","public_key":"ed25519:xyz","fingerprint":"AAAA-BBBB-CCCC-DDDD"}}`))
		case "/clients/plain-client":
			w.Write([]byte(`{"client_id":"plain-client","metadata":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer admin.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	s := &Server{
		clients:    authn.NewClientDirectory(admin.URL),
		webhookKey: testWebhookKey,
	}
	hooks := r.Group("/webhooks", s.webhookAuth)
	hooks.POST("/token", s.handleWebhookToken)

	send := func(clientID string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(gin.H{"session": gin.H{}, "request": gin.H{"client_id": clientID}})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/token", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-ory-api-key", testWebhookKey)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := send("agent-client")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var out struct {
		Session struct {
			AccessToken map[string]string `json:"access_token"`
		} `json:"session"`
	}
	decodeJSON(t, w, &out)
	if out.Session.AccessToken["moltnet:identity_id"] != "id-1" {
		t.Errorf("claims = %+v", out.Session.AccessToken)
	}

	// A client without agent metadata is refused.
	if w := send("plain-client"); w.Code != http.StatusForbidden {
		t.Errorf("plain client status = %d, want 403", w.Code)
	}
	if w := send("missing-client"); w.Code != http.StatusForbidden {
		t.Errorf("missing client status = %d, want 403", w.Code)
	}
}
