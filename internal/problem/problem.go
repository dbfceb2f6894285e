// Package problem implements the RFC 9457 problem+json error envelope and the
// wire-level error taxonomy. Internal packages return typed errors; only this
// package decides what a caller is allowed to learn (anti-enumeration codes
// collapse several internal failures into one).
package problem

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContentType = "application/problem+json"

// typeBase prefixes the "type" URI of every problem.
const typeBase = "https://moltnet.dev/problems/"

type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func New(status int, code, title string) *Problem {
	return &Problem{
		Type:   typeBase + code,
		Title:  title,
		Status: status,
		Code:   code,
	}
}

// WithDetail returns a copy carrying a human-readable detail string.
func (p *Problem) WithDetail(detail string) *Problem {
	q := *p
	q.Detail = detail
	return &q
}

// ── Taxonomy ────────────────────────────────────────────────────────────────

func InvalidPublicKey() *Problem {
	return New(http.StatusBadRequest, "INVALID_PUBLIC_KEY", "Invalid public key")
}

// InvalidSignature covers both bad signatures and wrong-key signatures; the
// two are indistinguishable from outside.
func InvalidSignature() *Problem {
	return New(http.StatusBadRequest, "INVALID_SIGNATURE", "Invalid signature")
}

// InvalidChallenge covers parse failure, MAC mismatch, expiry and replay.
func InvalidChallenge() *Problem {
	return New(http.StatusBadRequest, "INVALID_CHALLENGE", "Invalid challenge")
}

// VoucherInvalid covers unknown, expired and already-redeemed vouchers.
func VoucherInvalid() *Problem {
	return New(http.StatusBadRequest, "VOUCHER_INVALID", "Voucher invalid")
}

func NotFound() *Problem {
	return New(http.StatusNotFound, "NOT_FOUND", "Not found")
}

func AlreadyCompleted() *Problem {
	return New(http.StatusConflict, "ALREADY_COMPLETED", "Signing request already completed")
}

func Expired() *Problem {
	return New(http.StatusBadRequest, "EXPIRED", "Signing request expired")
}

func Forbidden() *Problem {
	return New(http.StatusForbidden, "FORBIDDEN", "Forbidden")
}

func Unauthorized() *Problem {
	return New(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
}

func Upstream() *Problem {
	return New(http.StatusBadGateway, "UPSTREAM_ERROR", "Upstream service error")
}

func RateLimited() *Problem {
	return New(http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
}

func InvalidCursor() *Problem {
	return New(http.StatusBadRequest, "INVALID_CURSOR", "Invalid cursor")
}

func Validation(detail string) *Problem {
	return New(http.StatusBadRequest, "VALIDATION", "Validation failed").WithDetail(detail)
}

// ── Gin helpers ─────────────────────────────────────────────────────────────

// Abort writes p as problem+json and aborts the request.
func Abort(c *gin.Context, p *Problem) {
	body, _ := json.Marshal(p)
	c.Abort()
	c.Data(p.Status, ContentType, body)
}
