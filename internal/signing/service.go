package signing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/moltnet/moltnet/internal/identity"
)

const (
	submitPollDeadline = 5 * time.Second
	submitPollInterval = 100 * time.Millisecond
)

// Service is the signing-request API consumed by the HTTP edge. Ownership is
// enforced by direct field comparison: requests are ephemeral, single-owner,
// and never shared, so no relationship tuples are involved.
type Service struct {
	store   *Store
	engine  *Engine
	timeout time.Duration
}

func NewService(store *Store, engine *Engine, timeout time.Duration) *Service {
	return &Service{store: store, engine: engine, timeout: timeout}
}

// Create validates message, mints the nonce, persists the pending row, and
// starts the durable waiter. The response carries the base64 canonical
// envelope so the client signs the exact bytes the server will verify.
func (s *Service) Create(ctx context.Context, agentID, message string) (*Request, error) {
	if n := utf8.RuneCountInString(message); n < 1 || n > MaxMessageLen {
		return nil, ErrMessageLength
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("mint nonce: %w", err)
	}

	now := time.Now()
	r := &Request{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Message:    message,
		Nonce:      hex.EncodeToString(nonceBytes),
		WorkflowID: uuid.NewString(),
		Status:     StatusPending,
		CreatedAt:  now.Unix(),
		ExpiresAt:  now.Add(s.timeout).Unix(),
	}

	if err := s.store.Save(ctx, r); err != nil {
		return nil, fmt.Errorf("save signing request: %w", err)
	}
	s.engine.Start(r)

	return r.withSigningInput(), nil
}

// List returns the agent's requests. filter is a comma-separated status list
// ("pending,completed"); empty means all.
func (s *Service) List(ctx context.Context, agentID, filter string, limit, offset int64) ([]Request, error) {
	var statuses []Status
	for _, part := range strings.Split(filter, ",") {
		switch Status(strings.TrimSpace(part)) {
		case StatusPending, StatusCompleted, StatusExpired:
			statuses = append(statuses, Status(strings.TrimSpace(part)))
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListByAgent(ctx, agentID, statuses, limit, offset)
}

// Get returns the request iff it exists and agentID owns it. Missing and
// foreign requests produce the same error.
func (s *Service) Get(ctx context.Context, id, agentID string) (*Request, error) {
	row, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.AgentID != agentID {
		return nil, ErrNotFound
	}
	return row.withSigningInput(), nil
}

// Submit delivers a signature to the request's workflow, then polls briefly
// for the terminal row. A still-pending return means the caller should keep
// polling Get; it is never success.
func (s *Service) Submit(ctx context.Context, id, agentID, signature string) (*Request, error) {
	row, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Preconditions in spec order, each failing fast.
	switch {
	case row == nil || row.AgentID != agentID:
		return nil, ErrNotFound
	case row.Status == StatusExpired || row.ExpiresAt <= time.Now().Unix():
		return nil, ErrExpired
	case row.Status == StatusCompleted:
		return nil, ErrAlreadyCompleted
	case row.WorkflowID == "":
		// Workflow never initialized; nothing can ever complete this row.
		return nil, ErrNotFound
	case len(signature) > identity.MaxSignatureLength:
		return nil, ErrSignatureLength
	}

	if _, err := s.engine.Deliver(ctx, row.WorkflowID, signature); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(submitPollDeadline)
	for {
		row, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, ErrNotFound
		}
		if row.Status != StatusPending || time.Now().After(deadline) {
			return row.withSigningInput(), nil
		}
		select {
		case <-ctx.Done():
			return row.withSigningInput(), nil
		case <-time.After(submitPollInterval):
		}
	}
}
