package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/moltnet/moltnet/internal/identity"
	"github.com/moltnet/moltnet/internal/problem"
	"github.com/moltnet/moltnet/internal/recovery"
)

func (s *Server) handleRecoveryChallenge(c *gin.Context) {
	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PublicKey == "" {
		problem.Abort(c, problem.Validation("publicKey required"))
		return
	}

	ch, err := s.recovery.RequestChallenge(c.Request.Context(), body.PublicKey)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (s *Server) handleRecoveryVerify(c *gin.Context) {
	var body recovery.VerifyInput
	if err := c.ShouldBindJSON(&body); err != nil {
		problem.Abort(c, problem.InvalidChallenge())
		return
	}

	code, err := s.recovery.VerifyChallenge(c.Request.Context(), body)
	switch {
	case errors.Is(err, recovery.ErrChallengeUsed):
		problem.Abort(c, problem.InvalidChallenge().WithDetail("Challenge already used"))
	case errors.Is(err, recovery.ErrChallengeRejected):
		problem.Abort(c, problem.InvalidChallenge())
	case errors.Is(err, recovery.ErrUpstream):
		problem.Abort(c, problem.Upstream())
	case err != nil:
		problem.Abort(c, problem.Upstream())
	default:
		c.JSON(http.StatusOK, code)
	}
}

// handleVerifyAgent checks a raw-message signature against a registered
// agent's key, addressed by fingerprint.
func (s *Server) handleVerifyAgent(c *gin.Context) {
	var body struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Signature == "" {
		problem.Abort(c, problem.Validation("message and signature required"))
		return
	}

	agent, err := s.agents.GetByFingerprint(c.Request.Context(), c.Param("fingerprint"))
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	if agent == nil {
		problem.Abort(c, problem.NotFound())
		return
	}

	pub, err := identity.ParsePublicKey(agent.PublicKey)
	if err != nil {
		problem.Abort(c, problem.Upstream())
		return
	}
	valid := verifyRawB64(pub, body.Message, body.Signature)

	resp := gin.H{"valid": valid}
	if valid {
		resp["signer"] = gin.H{
			"fingerprint": agent.Fingerprint,
			"publicKey":   agent.PublicKey,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleVerifyPublic checks a raw-message signature against a caller-supplied
// key. Always 200; a bad key or signature is just valid=false.
func (s *Server) handleVerifyPublic(c *gin.Context) {
	var body struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	pub, err := identity.ParsePublicKey(body.PublicKey)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": verifyRawB64(pub, body.Message, body.Signature)})
}

func verifyRawB64(pub []byte, message, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return identity.VerifyRaw(pub, []byte(message), sig)
}
