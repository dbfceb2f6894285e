// Package signing implements the durable asynchronous signing-request
// workflow: a server-minted nonce binds a message to a pending request, the
// client signs the canonical envelope locally, and a durable waiter verifies
// the submitted signature. The private key never reaches the server.
package signing

import (
	"errors"

	"github.com/moltnet/moltnet/internal/identity"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// MaxMessageLen bounds the message in UTF-8 characters.
const MaxMessageLen = 100_000

// Request is one signing request. Status is monotone: pending → completed or
// pending → expired, never back. Signature and Valid are set iff completed.
type Request struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId"`
	Message     string `json:"message"`
	Nonce       string `json:"nonce"`
	WorkflowID  string `json:"workflowId"`
	Status      Status `json:"status"`
	Signature   string `json:"signature,omitempty"`
	Valid       *bool  `json:"valid,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`

	// SigningInput is the base64 canonical envelope the client must sign.
	// Derived, never stored.
	SigningInput string `json:"signingInput,omitempty"`
}

func (r *Request) withSigningInput() *Request {
	r.SigningInput = identity.EncodeSigningInput(r.Message, r.Nonce)
	return r
}

var (
	// ErrNotFound covers both missing requests and requests owned by someone
	// else; the two must be indistinguishable from outside.
	ErrNotFound         = errors.New("signing request not found")
	ErrExpired          = errors.New("signing request expired")
	ErrAlreadyCompleted = errors.New("signing request already completed")
	ErrMessageLength    = errors.New("message must be 1 to 100000 characters")
	ErrSignatureLength  = errors.New("signature too long")
)
