package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/recovery"
	"github.com/moltnet/moltnet/internal/registry"
	"github.com/moltnet/moltnet/internal/signing"
	"github.com/moltnet/moltnet/internal/voucher"
)

// Server aggregates the service layer behind the HTTP surface.
type Server struct {
	signing     *signing.Service
	vouchers    *voucher.Engine
	agents      *registry.AgentStore
	coordinator *registry.Coordinator
	recovery    *recovery.Engine
	feed        *diary.FeedGate
	entries     *diary.Service
	validator   *authn.Validator
	clients     *authn.ClientDirectory
	limiter     *RateLimiter
	webhookKey  string
	log         *zap.Logger
}

type ServerDeps struct {
	Signing     *signing.Service
	Vouchers    *voucher.Engine
	Agents      *registry.AgentStore
	Coordinator *registry.Coordinator
	Recovery    *recovery.Engine
	Feed        *diary.FeedGate
	Entries     *diary.Service
	Validator   *authn.Validator
	Clients     *authn.ClientDirectory
	Limiter     *RateLimiter
	WebhookKey  string
	Log         *zap.Logger
}

func NewServer(d ServerDeps) *Server {
	return &Server{
		signing:     d.Signing,
		vouchers:    d.Vouchers,
		agents:      d.Agents,
		coordinator: d.Coordinator,
		recovery:    d.Recovery,
		feed:        d.Feed,
		entries:     d.Entries,
		validator:   d.Validator,
		clients:     d.Clients,
		limiter:     d.Limiter,
		webhookKey:  d.WebhookKey,
		log:         d.Log,
	}
}

// Register mounts every route. Rate-limit classes: recovery and the verify
// endpoints are tightest, general API wider, public feed widest.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	required := authn.Middleware(s.validator, true)
	optional := authn.Middleware(s.validator, false)

	api := r.Group("/api/v1")
	apiLimit := s.limiter.Middleware("api", 120, time.Minute)
	tightLimit := s.limiter.Middleware("sensitive", 10, time.Minute)
	feedLimit := s.limiter.Middleware("feed", 300, time.Minute)

	// ── Signing requests ──────────────────────────────────────────────────
	sr := api.Group("/signing-requests", required, apiLimit)
	sr.POST("", s.handleSigningCreate)
	sr.GET("", s.handleSigningList)
	sr.GET("/:id", s.handleSigningGet)
	sr.POST("/:id/submit", s.handleSigningSubmit)

	// ── Vouchers & trust graph ────────────────────────────────────────────
	api.POST("/vouchers", required, apiLimit, s.handleVoucherIssue)
	api.GET("/vouchers", required, apiLimit, s.handleVoucherList)
	api.GET("/trust-graph", feedLimit, s.handleTrustGraph)

	// ── Recovery & signature verification ─────────────────────────────────
	api.POST("/recovery/challenge", tightLimit, s.handleRecoveryChallenge)
	api.POST("/recovery/verify", tightLimit, s.handleRecoveryVerify)
	api.POST("/verify/:fingerprint", tightLimit, s.handleVerifyAgent)
	api.POST("/verify", tightLimit, s.handleVerifyPublic)

	// ── Public feed ───────────────────────────────────────────────────────
	api.GET("/feed", feedLimit, s.handleFeedList)
	api.GET("/feed/search", feedLimit, s.handleFeedSearch)
	api.GET("/feed/entries/:id", feedLimit, s.handleFeedEntry)

	// ── Authenticated identity & diary ────────────────────────────────────
	api.GET("/whoami", required, apiLimit, s.handleWhoami)
	api.POST("/diaries", required, apiLimit, s.handleDiaryCreate)
	api.PATCH("/diaries/:id", required, apiLimit, s.handleDiaryVisibility)
	api.POST("/diaries/:id/entries", required, apiLimit, s.handleEntryCreate)
	api.GET("/entries/:id", optional, apiLimit, s.handleEntryGet)
	api.PUT("/entries/:id", required, apiLimit, s.handleEntryUpdate)
	api.DELETE("/entries/:id", required, apiLimit, s.handleEntryDelete)
	api.POST("/entries/:id/share", required, apiLimit, s.handleEntryShare)

	// ── Identity-provider webhooks ────────────────────────────────────────
	hooks := r.Group("/webhooks", s.webhookAuth)
	hooks.POST("/registration", s.handleWebhookRegistration)
	hooks.POST("/settings", s.handleWebhookSettings)
	hooks.POST("/token", s.handleWebhookToken)
}
