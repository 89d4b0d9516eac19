package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/auth"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/hierarchy"
	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
)

// Config holds HTTP listener settings.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	RateLimit   int // requests per second per client, 0 disables limiting
	RateBurst   int
}

// Services are the vault components the API exposes.
type Services struct {
	Clock    quartz.Clock
	DB       storage.Backend
	Seal     *core.SealManager
	Config   *config.Store
	Audit    *audit.Logger
	Actors   *actor.Service
	Items    *secret.Store
	Tree     *hierarchy.Service
	Requests *rar.Service
	Policies *policy.Engine
	Logins   *auth.Service
}

// Server is the API server.
type Server struct {
	svc     Services
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over svc.
func NewServer(svc Services, cfg Config) *Server {
	recordSeal(svc.Seal.IsSealed())
	return &Server{svc: svc, cfg: cfg}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	if s.cfg.RateLimit > 0 {
		r.Use(newRateLimiter(s.cfg.RateLimit, max(s.cfg.RateBurst, s.cfg.RateLimit)).middleware)
	}
	r.Use(accessLogMiddleware)

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/seal-status", s.SealStatusHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unseal", s.UnsealHandler)
		r.Post("/v1/auth/login", s.LoginHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.svc.Logins.Tokens()))

		r.Put("/v1/sys/seal", s.SealHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
		r.Get("/v1/sys/config/{key}", s.ConfigGetHandler)
		r.Put("/v1/sys/config/{key}", s.ConfigSetHandler)

		r.Get("/v1/auth/self", s.SelfHandler)
		r.Post("/v1/auth/password", s.ChangePasswordHandler)
		r.Post("/v1/auth/rotate-key", s.RotateKeyHandler)

		r.Route("/v1/users", func(r chi.Router) {
			r.Get("/", s.UserListHandler)
			r.Post("/", s.UserCreateHandler)
			r.Put("/{id}/enabled", s.UserEnableHandler)
			r.Post("/{id}/password", s.UserResetPasswordHandler)
		})

		r.Route("/v1/groups", func(r chi.Router) {
			r.Get("/", s.GroupListHandler)
			r.Post("/", s.GroupCreateHandler)
			r.Put("/{id}/status", s.GroupStatusHandler)
			r.Get("/{id}/members", s.GroupMembersHandler)
			r.Put("/{id}/members/{userID}", s.GroupAddMemberHandler)
			r.Delete("/{id}/members/{userID}", s.GroupRemoveMemberHandler)
		})

		r.Route("/v1/items", func(r chi.Router) {
			r.Post("/", s.ItemCreateHandler)
			r.Get("/expiring", s.ItemExpiringHandler)
			r.Get("/{id}", s.ItemGetHandler)
			r.Get("/{id}/info", s.ItemInfoHandler)
			r.Get("/{id}/env", s.ItemEnvHandler)
			r.Put("/{id}", s.ItemUpdateHandler)
			r.Patch("/{id}", s.ItemSettingsHandler)
			r.Delete("/{id}", s.ItemDeleteHandler)
			r.Put("/{id}/enabled", s.ItemEnableHandler)
			r.Get("/{id}/access", s.ItemAccessHandler)
			r.Put("/{id}/access/{actorType}/{actorID}", s.ItemGrantHandler)
			r.Delete("/{id}/access/{actorType}/{actorID}", s.ItemRevokeHandler)
			r.Get("/{id}/history", s.ItemHistoryHandler)
			r.Put("/{id}/history", s.ItemHistoryEnableHandler)
		})

		r.Route("/v1/nodes", func(r chi.Router) {
			r.Post("/", s.NodeCreateHandler)
			r.Get("/home", s.NodeHomeHandler)
			r.Get("/{id}", s.NodeGetHandler)
			r.Get("/{id}/children", s.NodeChildrenHandler)
			r.Patch("/{id}", s.NodeUpdateHandler)
			r.Delete("/{id}", s.NodeDeleteHandler)
			r.Post("/{id}/links", s.NodeLinkHandler)
			r.Get("/{id}/rules", s.NodeRulesHandler)
			r.Put("/{id}/rules/{actorType}/{actorID}", s.NodeSetRuleHandler)
			r.Delete("/{id}/rules/{actorType}/{actorID}", s.NodeClearRuleHandler)
			r.Get("/{id}/defaults", s.NodeDefaultsHandler)
			r.Put("/{id}/defaults/{actorType}/{actorID}", s.NodeSetDefaultHandler)
			r.Delete("/{id}/defaults/{actorType}/{actorID}", s.NodeClearDefaultHandler)
		})

		r.Route("/v1/requests", func(r chi.Router) {
			r.Post("/", s.RequestCreateHandler)
			r.Get("/", s.RequestMineHandler)
			r.Get("/pending", s.RequestPendingHandler)
			r.Get("/{id}", s.RequestInspectHandler)
			r.Post("/{id}/vote", s.RequestVoteHandler)
			r.Get("/{id}/item", s.RequestReadItemHandler)
		})

		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.PolicyListHandler)
			r.Post("/", s.PolicyWriteHandler)
			r.Get("/{id}", s.PolicyReadHandler)
			r.Delete("/{id}", s.PolicyDeleteHandler)
			r.Post("/{id}/check", s.PolicyCheckHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requireAdmin fails unless p belongs to the admin or sub-admin group.
func (s *Server) requireAdmin(ctx context.Context, p *actor.Principal) error {
	return s.svc.DB.View(ctx, func(q storage.Queries) error {
		return s.svc.Actors.RequireAdmin(ctx, q, p)
	})
}
