// Package core holds the server's seal state. While sealed no session can be
// issued or opened.
package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/quartz"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/vaulterr"
	"github.com/org/pwsafe/pkg/models"
)

const (
	sessionContext  = "pwsafe-session-v1"
	keyCheckContext = "pwsafe-keycheck-v1"
)

var keyCheckPlain = []byte("pwsafe")

// ErrSealed is returned by operations that need the session key.
var ErrSealed = fmt.Errorf("%w: server is sealed", vaulterr.ErrWorkflow)

// SealManager tracks the seal state. The session key is held in memory only
// while unsealed.
type SealManager struct {
	db    storage.Backend
	clock quartz.Clock

	mu         sync.RWMutex
	sessionKey []byte
	keyCheck   []byte
	threshold  int
	shares     int
	collected  [][]byte
}

// NewSealManager returns a sealed manager. Call Load to pick up an existing
// initialization.
func NewSealManager(db storage.Backend, clock quartz.Clock) *SealManager {
	return &SealManager{db: db, clock: clock}
}

// Load reads the stored initialization, if any.
func (s *SealManager) Load(ctx context.Context) error {
	var data *models.InitData
	err := s.db.View(ctx, func(q storage.Queries) error {
		var err error
		data, err = q.GetInitData(ctx)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return vaulterr.Store("load init data", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCheck = data.KeyCheck
	s.threshold = data.Threshold
	s.shares = data.ShareCount
	return nil
}

// Init generates the root key, stores its check value and returns the
// shares. The manager is left unsealed.
func (s *SealManager) Init(ctx context.Context, shares, threshold int) ([][]byte, error) {
	root, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(root)
	shards, err := crypto.SplitRootKey(root, shares, threshold)
	if err != nil {
		return nil, vaulterr.Workflow("init", "%v", err)
	}
	check, err := keyCheck(root)
	if err != nil {
		return nil, err
	}
	data := &models.InitData{
		ShareCount:    shares,
		Threshold:     threshold,
		KeyCheck:      check,
		InitializedAt: s.clock.Now().UTC(),
	}
	err = s.db.InTx(ctx, func(q storage.Queries) error {
		return q.InitVault(ctx, data)
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, vaulterr.Conflict("server is already initialized")
	}
	if err != nil {
		return nil, vaulterr.Store("init", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCheck = check
	s.threshold = threshold
	s.shares = shares
	if err := s.open(root); err != nil {
		return nil, err
	}
	log.Info().Int("shares", shares).Int("threshold", threshold).Msg("server initialized")
	return shards, nil
}

func keyCheck(root []byte) ([]byte, error) {
	k, err := crypto.DeriveKey(root, keyCheckContext)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(k)
	return crypto.Encrypt(keyCheckPlain, k, nil)
}

// open derives the session key from root once it matches the stored check.
// Callers hold mu.
func (s *SealManager) open(root []byte) error {
	k, err := crypto.DeriveKey(root, keyCheckContext)
	if err != nil {
		return err
	}
	plain, err := crypto.Decrypt(s.keyCheck, k, nil)
	crypto.Zero(k)
	if err != nil || !bytes.Equal(plain, keyCheckPlain) {
		return vaulterr.Integrity("unseal", errors.New("shares do not reconstruct the root key"))
	}
	if s.sessionKey, err = crypto.DeriveKey(root, sessionContext); err != nil {
		return err
	}
	s.collected = nil
	return nil
}

// Initialized reports whether Init has run.
func (s *SealManager) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyCheck != nil
}

// IsSealed reports whether the session key is unavailable.
func (s *SealManager) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKey == nil
}

// Threshold returns how many shares unsealing needs.
func (s *SealManager) Threshold() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threshold
}

// Shares returns how many shares the root key was split into.
func (s *SealManager) Shares() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares
}

// ShardsProvided returns how many shares have been collected so far.
func (s *SealManager) ShardsProvided() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collected)
}

// Unseal adds one share. It reports true once the server is unsealed. A
// wrong set of shares is discarded and the count starts over.
func (s *SealManager) Unseal(shard []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keyCheck == nil {
		return false, vaulterr.Workflow("unseal", "server is not initialized")
	}
	if s.sessionKey != nil {
		return true, nil
	}
	for _, existing := range s.collected {
		if bytes.Equal(existing, shard) {
			return false, vaulterr.Workflow("unseal", "duplicate share")
		}
	}
	s.collected = append(s.collected, bytes.Clone(shard))
	if len(s.collected) < s.threshold {
		return false, nil
	}

	root, err := crypto.CombineShards(s.collected)
	if err != nil {
		s.collected = nil
		return false, vaulterr.Integrity("combine shares", err)
	}
	defer crypto.Zero(root)
	if err := s.open(root); err != nil {
		s.collected = nil
		return false, err
	}
	log.Info().Msg("server unsealed")
	return true, nil
}

// Reset discards the shares collected so far.
func (s *SealManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collected = nil
}

// Seal wipes the session key. Outstanding sessions stop working.
func (s *SealManager) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.sessionKey)
	s.sessionKey = nil
	s.collected = nil
	log.Info().Msg("server sealed")
}

// Derive returns a key for purpose derived from the session key.
func (s *SealManager) Derive(purpose string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sessionKey == nil {
		return nil, ErrSealed
	}
	return crypto.DeriveKey(s.sessionKey, purpose)
}
