// Package auth gates the HTTP surface with API keys: file-backed key
// storage with SIGHUP hot reload, per-key token-bucket rate limiting,
// and project scoping for log reads and writes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/docflow/pkg/log"
	"github.com/cuemby/docflow/pkg/types"
)

var (
	// ErrKeyNotFound is returned for secrets no key matches.
	ErrKeyNotFound = errors.New("api key not found")
	// ErrKeyExpired is returned for keys past their expiry.
	ErrKeyExpired = errors.New("api key expired")
)

// keysFile is the on-disk shape of config/api_keys.json.
type keysFile struct {
	Keys []*types.APIKey `json:"keys"`
}

// Store holds the loaded API keys and their rate limiters. Lookups are
// lock-free reads against an immutable map that Reload swaps wholesale.
// Limiters are keyed by key id and survive reloads so a reload cannot be
// used to reset someone's bucket.
type Store struct {
	path   string
	rps    rate.Limit
	burst  int
	logger zerolog.Logger

	mu       sync.RWMutex
	bySecret map[string]*types.APIKey
	limiters map[string]*rate.Limiter
}

// NewStore creates a key store reading from path. Keys are not loaded
// until Load is called.
func NewStore(path string, rps float64, burst int) *Store {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Store{
		path:     path,
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   log.WithComponent("auth"),
		bySecret: map[string]*types.APIKey{},
		limiters: map[string]*rate.Limiter{},
	}
}

// Load reads the keys file. A missing file is not an error: the daemon
// still serves its unauthenticated endpoints, every keyed request just
// gets 403 until keys appear and SIGHUP reloads them.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.swap(map[string]*types.APIKey{})
		s.logger.Warn().Str("path", s.path).
			Msg("API keys file missing, authenticated endpoints will refuse all requests")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read api keys: %w", err)
	}

	var file keysFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse api keys: %w", err)
	}

	bySecret := make(map[string]*types.APIKey, len(file.Keys))
	for i, key := range file.Keys {
		if key.Secret == "" {
			return fmt.Errorf("api key %d (%s) has no secret", i, key.KeyID)
		}
		if key.KeyID == "" {
			return fmt.Errorf("api key %d has no key_id", i)
		}
		if _, dup := bySecret[key.Secret]; dup {
			return fmt.Errorf("duplicate api key secret (fingerprint %s)", Fingerprint(key.Secret))
		}
		bySecret[key.Secret] = key
	}

	s.swap(bySecret)
	s.logger.Info().Int("keys", len(bySecret)).Msg("API keys loaded")
	return nil
}

// Reload re-reads the keys file, keeping the current set on failure.
func (s *Store) Reload() error {
	if err := s.Load(); err != nil {
		s.logger.Error().Err(err).Msg("API key reload failed, keeping current set")
		return err
	}
	return nil
}

func (s *Store) swap(bySecret map[string]*types.APIKey) {
	s.mu.Lock()
	s.bySecret = bySecret
	s.mu.Unlock()
}

// Lookup resolves a request secret to its key.
func (s *Store) Lookup(secret string) (*types.APIKey, error) {
	s.mu.RLock()
	key, ok := s.bySecret[secret]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrKeyNotFound
	}
	if key.Expired(time.Now().UTC()) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// Count reports how many keys are loaded.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySecret)
}

// Limiter returns the token bucket for a key id, creating it on first use.
func (s *Store) Limiter(keyID string) *rate.Limiter {
	s.mu.RLock()
	lim, ok := s.limiters[keyID]
	s.mu.RUnlock()
	if ok {
		return lim
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[keyID]; ok {
		return lim
	}
	lim = rate.NewLimiter(s.rps, s.burst)
	s.limiters[keyID] = lim
	return lim
}

// RunReloader reloads keys on SIGHUP until ctx is cancelled. Runs under
// the supervisor.
func (s *Store) RunReloader(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			if err := s.Reload(); err == nil {
				log.Lifecycle("auth").Int("keys", s.Count()).Msg("API keys reloaded on SIGHUP")
			}
		}
	}
}

// Fingerprint returns the loggable identity of a secret: the first 8 hex
// characters of its SHA-256. Secrets themselves never reach a log line.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

// Scope converts a key's project allowlist into a query scope. Nil means
// unrestricted: the key carries "*".
func Scope(key *types.APIKey) []string {
	for _, p := range key.AllowedProjects {
		if p == "*" {
			return nil
		}
	}
	return append([]string(nil), key.AllowedProjects...)
}
