package views

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jemzy/jemzy-views/internal/auth"
	"github.com/jemzy/jemzy-views/internal/collections"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/mutation"
	"github.com/jemzy/jemzy-views/internal/query"
	"github.com/jemzy/jemzy-views/internal/signals"
	"github.com/jemzy/jemzy-views/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey       = "jemzy_user_id"
	sessionTokenContextKey = "jemzy_session_token"
	defaultHeartbeat       = 25 * time.Second
	defaultMaxWait         = 10 * time.Second
)

var (
	errMissingSessions = errors.New("session validator dependency required")
	errMissingCache    = errors.New("query cache dependency required")
	errMissingEngine   = errors.New("mutation engine dependency required")
	errMissingUpstream = errors.New("upstream api dependency required")
	errMissingIdentity = errors.New("identity resolver dependency required")
	errMissingSignals  = errors.New("signal source dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// Upstream is the subset of the Jemzy REST API the views call.
type Upstream interface {
	Collecting(ctx context.Context, token, ownerID string) ([]collections.Record, error)
	Collectors(ctx context.Context, token, ownerID string) ([]collections.Record, error)
	UncollectUser(ctx context.Context, token, targetID string) error
	SetCollecting(ctx context.Context, token, targetID string, collect bool) error
	SetNotificationPreference(ctx context.Context, token, targetID string, enabled bool) error
}

type IdentityResolver interface {
	Resolve(ctx context.Context, token, expectedID string) (jemzyapi.CurrentUser, error)
}

type SignalSource interface {
	Subscribe(ctx context.Context, userID string) (<-chan signals.Signal, func())
}

type RateLimiter interface {
	Allow(key string) bool
}

type MutationHistory interface {
	ListMutations(ctx context.Context, userID string, limit int) ([]store.MutationRecord, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Cache          *query.Cache
	Engine         *mutation.Engine
	Upstream       Upstream
	Identity       IdentityResolver
	Signals        SignalSource
	Limiter        RateLimiter
	History        MutationHistory
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Heartbeat      time.Duration
	MaxWait        time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Upstream == nil {
		return nil, errMissingUpstream
	}
	if deps.Identity == nil {
		return nil, errMissingIdentity
	}
	if deps.Signals == nil {
		return nil, errMissingSignals
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	maxWait := deps.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		cache:     deps.Cache,
		engine:    deps.Engine,
		upstream:  deps.Upstream,
		identity:  deps.Identity,
		signals:   deps.Signals,
		limiter:   deps.Limiter,
		history:   deps.History,
		heartbeat: heartbeat,
		maxWait:   maxWait,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/views")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/collecting", handler.handleCollecting)
	protected.GET("/collectors", handler.handleCollectors)
	protected.GET("/signals", handler.handleSignals)
	protected.GET("/mutations", handler.handleMutationHistory)

	mutations := protected.Group("")
	mutations.Use(handler.limitMutations)
	mutations.POST("/collecting/:id/uncollect", handler.handleCollectingUncollect)
	mutations.POST("/collecting/:id/notifications", handler.handleCollectingNotifications)
	mutations.POST("/collectors/:id/collect", handler.handleCollectorsCollect)
	mutations.POST("/collectors/:id/uncollect", handler.handleCollectorsUncollect)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	cache     *query.Cache
	engine    *mutation.Engine
	upstream  Upstream
	identity  IdentityResolver
	signals   SignalSource
	limiter   RateLimiter
	history   MutationHistory
	heartbeat time.Duration
	maxWait   time.Duration
	logger    *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, session.Claims.UserID)
	c.Set(sessionTokenContextKey, session.Token)
	c.Next()
}

func (h *httpHandler) limitMutations(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow(c.GetString(userIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}
