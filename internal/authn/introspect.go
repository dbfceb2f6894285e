package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	introspectTimeout = 5 * time.Second
	cacheMaxTTL       = 60 * time.Second
	cacheMaxEntries   = 4096
)

// Ext claim names set by the token-exchange webhook.
const (
	ClaimIdentityID  = "moltnet:identity_id"
	ClaimPublicKey   = "moltnet:public_key"
	ClaimFingerprint = "moltnet:fingerprint"
)

// Introspection is the parsed RFC 7662 response.
type Introspection struct {
	Active    bool           `json:"active"`
	ClientID  string         `json:"client_id"`
	Scope     string         `json:"scope"`
	ExpiresAt int64          `json:"exp"`
	Ext       map[string]any `json:"ext"`
}

// Scopes splits the space-separated scope field; absent or empty → empty slice.
func (i *Introspection) Scopes() []string {
	fields := strings.Fields(i.Scope)
	if fields == nil {
		return []string{}
	}
	return fields
}

// ExtString returns a string-valued ext claim, checking the ext object first
// and then the top level (introspection servers differ on placement).
func (i *Introspection) ExtString(raw map[string]any, name string) string {
	if i.Ext != nil {
		if s, ok := i.Ext[name].(string); ok {
			return s
		}
	}
	if raw != nil {
		if s, ok := raw[name].(string); ok {
			return s
		}
	}
	return ""
}

// Introspector calls the OAuth2 server's RFC 7662 endpoint with a bounded
// result cache. Inactive and failed lookups are never cached.
type Introspector struct {
	url    string
	client *http.Client
	cache  *ttlCache
}

func NewIntrospector(introspectURL string) *Introspector {
	return &Introspector{
		url:    introspectURL,
		client: &http.Client{Timeout: introspectTimeout},
		cache:  newTTLCache(cacheMaxEntries),
	}
}

// Introspect returns the token's introspection result together with the raw
// response object (for top-level ext claims). Any transport or decode error
// is reported as inactive; the caller never learns why.
func (in *Introspector) Introspect(ctx context.Context, token string) (*Introspection, map[string]any, error) {
	// Cache key is a digest so raw tokens never sit in process memory.
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if hit, raw, ok := in.cache.get(key); ok {
		return hit, raw, nil
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	ctx, cancel := context.WithTimeout(ctx, introspectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.url, strings.NewReader(form.Encode()))
	if err != nil {
		return &Introspection{Active: false}, nil, nil
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := in.client.Do(req)
	if err != nil {
		return &Introspection{Active: false}, nil, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return &Introspection{Active: false}, nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Introspection{Active: false}, nil, nil
	}

	var parsed Introspection
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &Introspection{Active: false}, nil, nil
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	if parsed.Active {
		ttl := cacheMaxTTL
		if parsed.ExpiresAt > 0 {
			if until := time.Until(time.Unix(parsed.ExpiresAt, 0)); until < ttl {
				ttl = until
			}
		}
		// The raw object rides along so top-level claims survive cache hits.
		in.cache.put(key, &parsed, raw, ttl)
	}
	return &parsed, raw, nil
}

// ── OAuth2 client directory (metadata fallback) ─────────────────────────────

// ClientMetadata is the MoltNet identity material stored on an OAuth2 client.
type ClientMetadata struct {
	IdentityID  string `json:"identity_id"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

// ClientDirectory fetches OAuth2 clients from the admin API.
type ClientDirectory struct {
	baseURL string
	client  *http.Client
}

func NewClientDirectory(adminURL string) *ClientDirectory {
	return &ClientDirectory{
		baseURL: strings.TrimRight(adminURL, "/"),
		client:  &http.Client{Timeout: introspectTimeout},
	}
}

// Metadata fetches the client record and returns its MoltNet metadata.
func (d *ClientDirectory) Metadata(ctx context.Context, clientID string) (*ClientMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, introspectTimeout)
	defer cancel()

	u := d.baseURL + "/clients/" + url.PathEscape(clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client lookup: status %d", resp.StatusCode)
	}

	var out struct {
		ClientID string         `json:"client_id"`
		Metadata ClientMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, err
	}
	return &out.Metadata, nil
}
