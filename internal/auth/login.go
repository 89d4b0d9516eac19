package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/keylock"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

var loginFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pwsafe_login_failures_total",
	Help: "Rejected login attempts by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(loginFailures)
}

// errBadCredentials hides whether the login or the password was wrong.
var errBadCredentials = vaulterr.Security("invalid login or password")

// Session is the result of a successful login.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal *actor.Principal
}

// Service performs logins.
type Service struct {
	db      storage.Backend
	sources *Registry
	tokens  *TokenService
	audit   *audit.Logger
	cfg     *config.Store
	locks   *keylock.Registry
}

// NewService creates a login Service.
func NewService(db storage.Backend, sources *Registry, tokens *TokenService, auditLog *audit.Logger, cfg *config.Store) *Service {
	return &Service{db: db, sources: sources, tokens: tokens, audit: auditLog, cfg: cfg, locks: keylock.New()}
}

// Login verifies the password with the account's authenticator, unlocks its
// private key and issues a session. Attempts for one login are serialized;
// after auth.max_failed_logins consecutive failures the account is disabled.
func (s *Service) Login(ctx context.Context, login, password string) (*Session, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	unlock := s.locks.Lock(login)
	defer unlock()

	var u *models.User
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		u, err = q.GetUserByLogin(ctx, login)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		loginFailures.WithLabelValues("unknown_login").Inc()
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, vaulterr.Store("get user", err)
	}
	if !u.Enabled {
		loginFailures.WithLabelValues("disabled").Inc()
		return nil, vaulterr.Security("account %s is disabled", u.Login)
	}

	a, err := s.sources.Get(u.AuthSource)
	if err != nil {
		return nil, vaulterr.Workflow("login", "%v", err)
	}
	ok, err := a.Authenticate(ctx, u, password)
	if err != nil {
		log.Error().Err(err).Str("login", u.Login).Str("source", u.AuthSource).Msg("authenticator failed")
		return nil, vaulterr.Workflow("login", "authenticator %s failed", u.AuthSource)
	}
	if !ok {
		loginFailures.WithLabelValues("bad_password").Inc()
		if err := s.recordFailure(ctx, u.ID); err != nil {
			return nil, err
		}
		return nil, errBadCredentials
	}

	p, err := actor.UnlockUser(u, password)
	if err != nil {
		return nil, err
	}
	token, exp, err := s.tokens.Issue(ctx, p)
	if err != nil {
		p.Wipe()
		return nil, err
	}
	if u.FailedLogins > 0 {
		err := s.db.InTx(ctx, func(q storage.Queries) error {
			cur, err := q.GetUser(ctx, u.ID)
			if err != nil {
				return err
			}
			cur.FailedLogins = 0
			return q.UpdateUser(ctx, cur)
		})
		if err != nil {
			p.Wipe()
			return nil, vaulterr.Store("reset failed logins", err)
		}
		u.FailedLogins = 0
	}
	s.audit.Log(ctx, audit.Event(models.LevelInfo, u.ID, "", "%s logged in", u.Login))
	return &Session{Token: token, ExpiresAt: exp, Principal: p}, nil
}

func (s *Service) recordFailure(ctx context.Context, userID string) error {
	limit := s.cfg.Int(ctx, config.KeyMaxFailedLogins)
	var ev *models.AuditEvent
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		u.FailedLogins++
		if limit > 0 && u.FailedLogins >= limit {
			u.Enabled = false
			ev = audit.Event(models.LevelSecurity, u.ID, "", "%s disabled after %d failed logins", u.Login, u.FailedLogins)
		} else {
			ev = audit.Event(models.LevelWarning, u.ID, "", "failed login for %s (%d)", u.Login, u.FailedLogins)
		}
		ev.Notify = !u.Enabled
		if err := q.UpdateUser(ctx, u); err != nil {
			return err
		}
		return s.audit.Record(ctx, q, ev)
	})
	if err != nil {
		return vaulterr.Store("record failed login", err)
	}
	s.audit.Notify(ctx, ev)
	return nil
}

// Tokens returns the session token service.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}
