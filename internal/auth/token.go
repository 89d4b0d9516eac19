package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/vaulterr"
)

const (
	signingPurpose = "pwsafe-session-sign"
	sealingPurpose = "pwsafe-session-seal"
)

// Claims is the payload of a session token. Key is the user's private key
// encrypted under a key only the unsealed server can derive.
type Claims struct {
	jwt.RegisteredClaims
	Key string `json:"key"`
}

// TokenService issues and opens session tokens.
type TokenService struct {
	seal   *core.SealManager
	actors *actor.Service
	cfg    *config.Store
	clock  quartz.Clock
}

// NewTokenService creates a TokenService.
func NewTokenService(seal *core.SealManager, actors *actor.Service, cfg *config.Store, clock quartz.Clock) *TokenService {
	return &TokenService{seal: seal, actors: actors, cfg: cfg, clock: clock}
}

// The private key is bound to the public key it belongs to, so a token
// issued before a key rotation no longer opens.
func keyAD(userID string, pub []byte) []byte {
	return append([]byte("session:"+userID+":"), pub...)
}

// Issue returns a token for p valid for the configured session TTL.
func (t *TokenService) Issue(ctx context.Context, p *actor.Principal) (string, time.Time, error) {
	sign, err := t.seal.Derive(signingPurpose)
	if err != nil {
		return "", time.Time{}, err
	}
	defer crypto.Zero(sign)
	enc, err := t.seal.Derive(sealingPurpose)
	if err != nil {
		return "", time.Time{}, err
	}
	defer crypto.Zero(enc)

	sealed, err := crypto.Encrypt(p.Keys.Private, enc, keyAD(p.ID(), p.Keys.Public))
	if err != nil {
		return "", time.Time{}, vaulterr.Integrity("seal session key", err)
	}
	now := t.clock.Now()
	exp := now.Add(t.cfg.Duration(ctx, config.KeySessionTTL))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.ID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Key: base64.RawURLEncoding.EncodeToString(sealed),
	})
	s, err := token.SignedString(sign)
	if err != nil {
		return "", time.Time{}, vaulterr.Integrity("sign session", err)
	}
	return s, exp, nil
}

// Open validates a token and returns its principal. The account must still
// exist and be enabled.
func (t *TokenService) Open(ctx context.Context, tokenString string) (*actor.Principal, error) {
	sign, err := t.seal.Derive(signingPurpose)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(sign)

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return sign, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return t.clock.Now() }), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, vaulterr.Security("session expired")
	}
	if err != nil {
		return nil, vaulterr.Security("invalid session")
	}

	u, err := t.actors.GetUser(ctx, claims.Subject)
	if errors.Is(err, vaulterr.ErrNotFound) {
		return nil, vaulterr.Security("invalid session")
	}
	if err != nil {
		return nil, err
	}
	if !u.Enabled {
		return nil, vaulterr.Security("account %s is disabled", u.Login)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(claims.Key)
	if err != nil {
		return nil, vaulterr.Security("invalid session")
	}
	enc, err := t.seal.Derive(sealingPurpose)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(enc)
	priv, err := crypto.Decrypt(sealed, enc, keyAD(u.ID, u.PublicKey))
	if err != nil {
		return nil, vaulterr.Security("session no longer matches the account keys")
	}
	return &actor.Principal{User: u, Keys: &crypto.KeyPair{Public: u.PublicKey, Private: priv}}, nil
}
