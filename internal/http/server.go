package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sylvestre/lando-api/internal/config"
	"github.com/sylvestre/lando-api/internal/domain/landing"
	"github.com/sylvestre/lando-api/internal/http/auth"
	"github.com/sylvestre/lando-api/internal/http/common"
	"github.com/sylvestre/lando-api/internal/http/landings"
	"github.com/sylvestre/lando-api/internal/infra/notify"
	"github.com/sylvestre/lando-api/internal/infra/phabricator"
	"github.com/sylvestre/lando-api/internal/infra/ratelimit"
	"github.com/sylvestre/lando-api/internal/infra/transplant"
	"github.com/sylvestre/lando-api/internal/repo/postgres"
	"github.com/sylvestre/lando-api/internal/usecase"
)

type Server struct {
	cfg           config.Config
	r             *gin.Engine
	service       *usecase.LandingService
	authenticator common.Authenticator
	authorizer    landing.Authorizer
	limiter       ratelimit.Limiter
}

type ServerDeps struct {
	Service       *usecase.LandingService
	Authenticator common.Authenticator
	Authorizer    landing.Authorizer
	Limiter       ratelimit.Limiter
}

func NewServer(cfg config.Config, store *postgres.Store) (*Server, error) {
	policies := make(map[string]phabricator.RepositoryPolicy, len(cfg.LandableRepos))
	for _, shortName := range cfg.LandableRepos {
		policies[shortName] = phabricator.RepositoryPolicy{}
	}
	for _, shortName := range cfg.ApprovalRequiredRepos {
		policies[shortName] = phabricator.RepositoryPolicy{ApprovalRequired: true}
	}

	source := phabricator.NewClient(cfg.PhabricatorURL, cfg.PhabricatorAPIToken,
		phabricator.WithSecureProjectPHID(cfg.SecureProjectPHID),
		phabricator.WithRepositoryPolicies(policies))
	worker := transplant.NewClient(cfg.TransplantURL, cfg.TransplantAPIKey, cfg.PingbackURL)
	mailer := notify.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.MailFrom,
		notify.WithSuppressSend(cfg.MailSuppressSend),
		notify.WithAllowlist(cfg.MailAllowlist),
		notify.WithLandoUIURL(cfg.LandoUIURL))

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, nil)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		limiter = redisLimiter
	} else {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{})
	}

	service := usecase.NewLandingService(source, postgres.NewJobRepo(store.Pool), worker, mailer)
	return NewServerWithDeps(cfg, ServerDeps{
		Service:       service,
		Authenticator: auth.NewHeaderAuthenticator(),
		Authorizer:    auth.NewAuthorizer(),
		Limiter:       limiter,
	}), nil
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:           cfg,
		r:             r,
		service:       deps.Service,
		authenticator: deps.Authenticator,
		authorizer:    deps.Authorizer,
		limiter:       deps.Limiter,
	}
	if s.authenticator == nil {
		s.authenticator = auth.NewHeaderAuthenticator()
	}
	if s.authorizer == nil {
		s.authorizer = auth.NewAuthorizer()
	}
	s.routes()
	return s
}

func (s *Server) Run() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("lando-api listening", "addr", addr)
	return s.r.Run(addr)
}

func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler := landings.NewHandler(s.service)

	v1 := s.r.Group("/v1")
	{
		authz := func(permission string) gin.HandlerFunc {
			return common.AuthMiddleware(s.authenticator, s.authorizer, permission)
		}

		v1.GET("/stacks/:revision_id", authz(landing.PermLandingRead), handler.HandleGetStack)
		v1.POST("/transplants/dryrun", authz(landing.PermLandingRead), s.rateLimited(), handler.HandleDryrun)
		v1.POST("/transplants", authz(landing.PermLandingWrite), s.rateLimited(), handler.HandleSubmit)
		v1.GET("/transplants/:stack_revision_id", authz(landing.PermLandingRead), handler.HandleListTransplants)
		v1.PUT("/landing_jobs/:id", authz(landing.PermLandingWrite), handler.HandleUpdateJob)

		v1.POST("/transplants/update", s.requireWorkerKey(), handler.HandleWorkerUpdate)
	}
}

// rateLimited throttles per principal email, falling back to client IP
// for principals without one.
func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || s.cfg.RateLimit <= 0 {
			c.Next()
			return
		}
		key := c.GetHeader("X-Principal-Email")
		if key == "" {
			key = c.ClientIP()
		}
		window := time.Duration(s.cfg.RateLimitSecs) * time.Second
		decision, err := s.limiter.Allow(c.Request.Context(), "rl:"+key, s.cfg.RateLimit, window)
		if err != nil {
			// Rate limiting is protective, not load-bearing.
			slog.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		if !decision.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(time.Until(decision.ResetAt).Seconds())+1))
			common.WriteErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		c.Next()
	}
}

func (s *Server) requireWorkerKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.TransplantAPIKey == "" || c.GetHeader("X-Transplant-API-Key") != s.cfg.TransplantAPIKey {
			common.WriteErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid transplant api key")
			return
		}
		c.Next()
	}
}
