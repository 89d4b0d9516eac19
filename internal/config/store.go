package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ammario/tlru"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/org/pwsafe/internal/storage"
)

// Runtime configuration keys.
const (
	KeyAccessPrecedence   = "access.precedence"
	KeyRARLifetime        = "rar.lifetime"
	KeyRecursiveRules     = "hierarchy.recursive_rules"
	KeyDefaultRule        = "hierarchy.default_rule"
	KeyMaxFailedLogins    = "auth.max_failed_logins"
	KeySessionTTL         = "session.ttl"
	KeyNotifyRecipients   = "notify.recipients"
	KeyExpiryWarnDuration = "items.expiry_warning"
)

// Defaults holds the value used for every key missing from the store.
var Defaults = map[string]string{
	KeyAccessPrecedence:   "group",
	KeyRARLifetime:        "1h",
	KeyRecursiveRules:     "true",
	KeyDefaultRule:        "allow",
	KeyMaxFailedLogins:    "5",
	KeySessionTTL:         "8h",
	KeyNotifyRecipients:   "",
	KeyExpiryWarnDuration: "168h",
}

// CacheTTL bounds how stale a cached value may be on nodes that did not
// perform the Set.
const CacheTTL = 30 * time.Second

// Listener is called synchronously after a key changes.
type Listener func(key, value string)

// Store is the runtime key/value configuration, persisted in the backend and
// cached for CacheTTL.
type Store struct {
	db       storage.Backend
	defaults map[string]string
	cache    *tlru.Cache[string, string]
	group    singleflight.Group

	mu        sync.RWMutex
	listeners map[string][]Listener

	// writes counts Sets per key; a read started before a Set must not
	// cache what it loaded.
	writeMu sync.Mutex
	writes  map[string]uint64
}

// NewStore returns a Store reading from db. defaults may be nil to use Defaults.
func NewStore(db storage.Backend, defaults map[string]string) *Store {
	if defaults == nil {
		defaults = Defaults
	}
	return &Store{
		db:        db,
		defaults:  defaults,
		cache:     tlru.New[string](tlru.ConstantCost[string], 1024),
		listeners: make(map[string][]Listener),
		writes:    make(map[string]uint64),
	}
}

// Get returns the value of key, its default when unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if v, _, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		s.writeMu.Lock()
		seen := s.writes[key]
		s.writeMu.Unlock()

		var value string
		err := s.db.View(ctx, func(q storage.Queries) error {
			var err error
			value, err = q.GetConfigValue(ctx, key)
			return err
		})
		switch {
		case errors.Is(err, storage.ErrNotFound):
			value = s.defaults[key]
		case err != nil:
			return "", fmt.Errorf("reading config %q: %w", key, err)
		}
		s.writeMu.Lock()
		if s.writes[key] == seen {
			s.cache.Set(key, value, CacheTTL)
		}
		s.writeMu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Set persists key and notifies listeners before returning.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := s.db.InTx(ctx, func(q storage.Queries) error {
		return q.SetConfigValue(ctx, key, value)
	})
	if err != nil {
		return fmt.Errorf("writing config %q: %w", key, err)
	}
	s.writeMu.Lock()
	s.writes[key]++
	s.cache.Set(key, value, CacheTTL)
	s.writeMu.Unlock()
	s.group.Forget(key)

	s.mu.RLock()
	ls := append([]Listener(nil), s.listeners[key]...)
	s.mu.RUnlock()
	for _, l := range ls {
		l(key, value)
	}
	log.Info().Str("key", key).Msg("configuration changed")
	return nil
}

// OnChange registers l for changes to key.
func (s *Store) OnChange(key string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = append(s.listeners[key], l)
}

// String is Get falling back to the default on error.
func (s *Store) String(ctx context.Context, key string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("using default configuration value")
		return s.defaults[key]
	}
	return v
}

// Bool parses key as a boolean.
func (s *Store) Bool(ctx context.Context, key string) bool {
	b, err := strconv.ParseBool(s.String(ctx, key))
	if err != nil {
		b, _ = strconv.ParseBool(s.defaults[key])
	}
	return b
}

// Int parses key as an integer.
func (s *Store) Int(ctx context.Context, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s.String(ctx, key)))
	if err != nil {
		n, _ = strconv.Atoi(s.defaults[key])
	}
	return n
}

// Duration parses key as a Go duration; a bare integer is read as seconds.
func (s *Store) Duration(ctx context.Context, key string) time.Duration {
	if d, ok := parseDuration(s.String(ctx, key)); ok {
		return d
	}
	d, _ := parseDuration(s.defaults[key])
	return d
}

func parseDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

// List splits a comma separated key.
func (s *Store) List(ctx context.Context, key string) []string {
	var out []string
	for _, part := range strings.Split(s.String(ctx, key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
