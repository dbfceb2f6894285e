package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/identity"
	"github.com/moltnet/moltnet/internal/problem"
	"github.com/moltnet/moltnet/internal/registry"
)

// webhookAuth compares x-ory-api-key against the configured secret in
// constant time.
func (s *Server) webhookAuth(c *gin.Context) {
	key := c.GetHeader("x-ory-api-key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.webhookKey)) != 1 {
		problem.Abort(c, problem.Unauthorized())
		return
	}
	c.Next()
}

// ── Identity-provider payloads ──────────────────────────────────────────────

type webhookIdentity struct {
	Identity struct {
		ID     string `json:"id"`
		Traits struct {
			PublicKey   string `json:"public_key"`
			VoucherCode string `json:"voucher_code"`
		} `json:"traits"`
	} `json:"identity"`
}

// oryMessage is one entry of the provider-compatible validation envelope.
type oryMessage struct {
	ID      int64          `json:"id"`
	Text    string         `json:"text"`
	Type    string         `json:"type"`
	Context map[string]any `json:"context"`
}

func oryValidationError(c *gin.Context, ptr, text string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"messages": []gin.H{{
			"instance_ptr": ptr,
			"messages": []oryMessage{{
				ID:      4000001,
				Text:    text,
				Type:    "error",
				Context: map[string]any{},
			}},
		}},
	})
}

// handleWebhookRegistration runs after the identity provider accepts a new
// identity: it admits the agent through the registration coordinator and
// reports the derived key material back as public metadata.
func (s *Server) handleWebhookRegistration(c *gin.Context) {
	var body webhookIdentity
	if err := c.ShouldBindJSON(&body); err != nil || body.Identity.ID == "" {
		oryValidationError(c, "#/identity", "missing identity")
		return
	}

	reg, err := s.coordinator.Register(
		c.Request.Context(),
		body.Identity.ID,
		body.Identity.Traits.PublicKey,
		body.Identity.Traits.VoucherCode,
	)
	switch {
	case errors.Is(err, identity.ErrInvalidPublicKey):
		oryValidationError(c, "#/traits/public_key", "invalid public key")
	case errors.Is(err, registry.ErrVoucherInvalid):
		oryValidationError(c, "#/traits/voucher_code", "voucher invalid")
	case errors.Is(err, registry.ErrConflict):
		oryValidationError(c, "#/traits/public_key", "public key already registered")
	case err != nil:
		oryValidationError(c, "#/identity", "registration failed")
	default:
		c.JSON(http.StatusOK, gin.H{
			"identity": gin.H{
				"metadata_public": gin.H{
					"fingerprint": reg.Agent.Fingerprint,
					"public_key":  reg.Agent.PublicKey,
				},
			},
		})
	}
}

// handleWebhookSettings rotates an existing agent's key when the identity's
// public_key trait changes.
func (s *Server) handleWebhookSettings(c *gin.Context) {
	var body webhookIdentity
	if err := c.ShouldBindJSON(&body); err != nil || body.Identity.ID == "" {
		oryValidationError(c, "#/identity", "missing identity")
		return
	}

	raw, err := identity.ParsePublicKey(body.Identity.Traits.PublicKey)
	if err != nil {
		oryValidationError(c, "#/traits/public_key", "invalid public key")
		return
	}

	agent, err := s.agents.Rotate(
		c.Request.Context(),
		body.Identity.ID,
		identity.FormatPublicKey(raw),
		identity.Fingerprint(raw),
	)
	switch {
	case errors.Is(err, registry.ErrConflict):
		oryValidationError(c, "#/traits/public_key", "public key already registered")
	case err != nil:
		oryValidationError(c, "#/identity", "settings update failed")
	case agent == nil:
		oryValidationError(c, "#/identity", "unknown identity")
	default:
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleWebhookToken is the OAuth2 token-exchange hook: it stamps MoltNet
// identity claims onto the access token being issued. Clients whose metadata
// does not identify a registered agent are refused.
func (s *Server) handleWebhookToken(c *gin.Context) {
	var body struct {
		Session map[string]any `json:"session"`
		Request struct {
			ClientID string `json:"client_id"`
		} `json:"request"`
		ClientID string `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		oryValidationError(c, "#/", "malformed request")
		return
	}
	clientID := body.Request.ClientID
	if clientID == "" {
		clientID = body.ClientID
	}
	if clientID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "client is not a registered agent"})
		return
	}

	meta, err := s.clients.Metadata(c.Request.Context(), clientID)
	if err != nil || meta.IdentityID == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "client is not a registered agent"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": gin.H{
			"access_token": gin.H{
				"moltnet:identity_id": meta.IdentityID,
				"moltnet:public_key":  meta.PublicKey,
				"moltnet:fingerprint": meta.Fingerprint,
			},
		},
	})
}
