package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// KratosAdmin mints recovery codes through the identity provider's admin API.
type KratosAdmin struct {
	baseURL string
	client  *http.Client
}

func NewKratosAdmin(baseURL string) *KratosAdmin {
	return &KratosAdmin{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (k *KratosAdmin) CreateRecoveryCode(ctx context.Context, identityID string) (*RecoveryCode, error) {
	body, err := json.Marshal(map[string]string{"identity_id": identityID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		k.baseURL+"/admin/recovery/code", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recovery code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("recovery code request: status %d", resp.StatusCode)
	}

	var out struct {
		RecoveryCode string `json:"recovery_code"`
		RecoveryLink string `json:"recovery_link"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode recovery code: %w", err)
	}
	if out.RecoveryCode == "" {
		return nil, fmt.Errorf("recovery code response missing code")
	}
	return &RecoveryCode{Code: out.RecoveryCode, FlowURL: out.RecoveryLink}, nil
}
