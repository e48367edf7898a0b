// Package secrets implements the encrypted on-disk credential vault with
// environment-variable override and a small read-through cache.
//
// Resolution order for Get is fixed: process environment, then cache,
// then vault, then the caller's default. Secret values never appear in
// logs or error messages; only names do.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/models"
)

const (
	keyFile   = "vault.key"
	vaultFile = "vault.enc"
	cacheTTL  = 5 * time.Minute
)

// ErrVaultDamaged is returned by Set/Delete/Rotate after the vault file
// failed to decrypt. Writes are refused so a corrupt-but-recoverable file
// is not silently replaced; call ForceRewrite to start over explicitly.
var ErrVaultDamaged = errors.New("secrets: vault damaged, refusing write (use ForceRewrite)")

// integrationSuffixes lists the canonical per-integration credential names,
// in the order they map onto models.IntegrationCredentials.
var integrationSuffixes = []string{
	"_API_KEY",
	"_API_SECRET",
	"_ACCESS_TOKEN",
	"_REFRESH_TOKEN",
	"_CLIENT_ID",
	"_CLIENT_SECRET",
	"_WEBHOOK_SECRET",
	"_BASE_URL",
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// Store is the secrets vault. All methods are safe for concurrent use.
type Store struct {
	dir  string
	gcm  cipher.AEAD
	now  func() time.Time // injected in tests
	env  func(string) string
	mu   sync.RWMutex
	vals map[string]string // decrypted vault contents
	ch   map[string]cacheEntry
	bad  bool // vault file failed to decrypt
}

// Open loads (or initializes) the vault under dir. A missing directory and
// key file are created with owner-only permissions; a missing vault file
// means an empty vault. A vault that fails to decrypt is logged once and
// treated as empty, with writes disabled until ForceRewrite.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("secrets: dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets: create dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create GCM: %w", err)
	}

	s := &Store{
		dir:  dir,
		gcm:  gcm,
		now:  time.Now,
		env:  os.Getenv,
		vals: map[string]string{},
		ch:   map[string]cacheEntry{},
	}

	raw, err := os.ReadFile(filepath.Join(dir, vaultFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// first run, empty vault
	case err != nil:
		return nil, fmt.Errorf("secrets: read vault: %w", err)
	default:
		if derr := s.decryptInto(raw); derr != nil {
			log.Error().Str("dir", dir).Msg("vault failed to decrypt, treating as empty")
			s.bad = true
		}
	}
	return s, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("secrets: key must be 32 bytes for AES-256, got %d", len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("secrets: read key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("secrets: write key: %w", err)
	}
	return key, nil
}

func (s *Store) decryptInto(ciphertext []byte) error {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	vals := map[string]string{}
	if err := json.Unmarshal(plaintext, &vals); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	s.vals = vals
	return nil
}

// persist re-encrypts the whole value map and writes it atomically.
// Caller must hold the write lock.
func (s *Store) persist() error {
	plaintext, err := json.Marshal(s.vals)
	if err != nil {
		return fmt.Errorf("secrets: encode vault: %w", err)
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := s.gcm.Seal(nonce, nonce, plaintext, nil)

	tmp := filepath.Join(s.dir, vaultFile+".tmp")
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return fmt.Errorf("secrets: write vault: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, vaultFile)); err != nil {
		return fmt.Errorf("secrets: replace vault: %w", err)
	}
	return nil
}

// Get resolves a secret: environment first, then cache, then vault, then
// def. Vault hits populate the cache.
func (s *Store) Get(name, def string) string {
	if v := s.env(name); v != "" {
		return v
	}

	s.mu.RLock()
	if e, ok := s.ch[name]; ok && s.now().Before(e.expires) {
		s.mu.RUnlock()
		return e.value
	}
	v, ok := s.vals[name]
	s.mu.RUnlock()

	if !ok {
		return def
	}
	s.mu.Lock()
	s.ch[name] = cacheEntry{value: v, expires: s.now().Add(cacheTTL)}
	s.mu.Unlock()
	return v
}

// Set writes a secret to the vault and re-encrypts the file.
func (s *Store) Set(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("secrets: name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bad {
		return ErrVaultDamaged
	}
	prev, had := s.vals[name]
	s.vals[name] = value
	delete(s.ch, name)
	if err := s.persist(); err != nil {
		if had {
			s.vals[name] = prev
		} else {
			delete(s.vals, name)
		}
		return err
	}
	return nil
}

// Delete removes a secret. Deleting a missing name is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bad {
		return ErrVaultDamaged
	}
	if _, ok := s.vals[name]; !ok {
		return nil
	}
	prev := s.vals[name]
	delete(s.vals, name)
	delete(s.ch, name)
	if err := s.persist(); err != nil {
		s.vals[name] = prev
		return err
	}
	return nil
}

// List returns the names stored in the vault, sorted. Values are never
// returned in bulk.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.vals))
	for name := range s.vals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports, per required name, whether a non-empty value resolves.
func (s *Store) Validate(required []string) map[string]bool {
	out := make(map[string]bool, len(required))
	for _, name := range required {
		out[name] = s.Get(name, "") != ""
	}
	return out
}

// Integration assembles the credential bundle for a named integration by
// probing the canonical suffixes on the upper-cased name.
func (s *Store) Integration(name string) models.IntegrationCredentials {
	prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	creds := models.IntegrationCredentials{Integration: name}
	for _, suffix := range integrationSuffixes {
		v := s.Get(prefix+suffix, "")
		switch suffix {
		case "_API_KEY":
			creds.APIKey = v
		case "_API_SECRET":
			creds.APISecret = v
		case "_ACCESS_TOKEN":
			creds.AccessToken = v
		case "_REFRESH_TOKEN":
			creds.RefreshToken = v
		case "_CLIENT_ID":
			creds.ClientID = v
		case "_CLIENT_SECRET":
			creds.ClientSecret = v
		case "_WEBHOOK_SECRET":
			creds.WebhookSecret = v
		case "_BASE_URL":
			creds.BaseURL = v
		}
	}
	return creds
}

// Rotate replaces a secret and emits an audit record. The record carries
// who/when/what-name, never the value.
func (s *Store) Rotate(name, value string) (models.SecretRotation, error) {
	if err := s.Set(name, value); err != nil {
		return models.SecretRotation{}, err
	}
	host, _ := os.Hostname()
	rec := models.SecretRotation{
		ID:        uuid.NewString(),
		Name:      name,
		Actor:     actor(),
		Host:      host,
		RotatedAt: models.UTCNow(),
	}
	log.Info().
		Str("secret", name).
		Str("actor", rec.Actor).
		Str("rotation_id", rec.ID).
		Msg("secret rotated")
	return rec, nil
}

// Export resolves the given names into a map, skipping unresolved ones.
// Intended for building provider environments; callers must not log it.
func (s *Store) Export(names []string) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		if v := s.Get(name, ""); v != "" {
			out[name] = v
		}
	}
	return out
}

// Damaged reports whether the vault file failed to decrypt at Open.
func (s *Store) Damaged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bad
}

// ForceRewrite clears the damaged flag and persists the current in-memory
// state, overwriting the unreadable file.
func (s *Store) ForceRewrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bad {
		return nil
	}
	if err := s.persist(); err != nil {
		return err
	}
	s.bad = false
	log.Warn().Str("dir", s.dir).Msg("vault rewritten after damage")
	return nil
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}
