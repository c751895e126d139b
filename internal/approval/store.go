// Package approval keeps the "always allow" token that lets recordings start without
// asking the user again, and runs the approval dialog when there is none.
package approval

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	tokenBytes          = 32
	tokenFileName       = "approval-token"
	clientTokenFileName = "client-token"
)

// ErrInvalidToken rejects a token that is not 64 lowercase hex characters.
var ErrInvalidToken = errors.New("invalid approval token")

// DefaultPath returns $XDG_STATE_HOME/omnirec/approval-token, falling back to ~/.local/state.
func DefaultPath() (string, error) {
	return statePath(tokenFileName)
}

// ClientPath returns the file where a client keeps its copy of the token.
func ClientPath() (string, error) {
	return statePath(clientTokenFileName)
}

func statePath(name string) (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate home directory: %w", err)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "omnirec", name), nil
}

// GenerateToken returns 256 random bits as hex.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Store is a token file with a single writer. The file is read on first access.
type Store struct {
	path string

	mu      sync.Mutex
	loaded  bool
	token   string
	modTime time.Time
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the token file location.
func (s *Store) Path() string {
	return s.path
}

// load reads the file on first access and again whenever it changed on disk,
// so a revocation by another process takes effect.
func (s *Store) load() error {
	st, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.token, s.modTime, s.loaded = "", time.Time{}, true
		return nil
	case err != nil:
		return fmt.Errorf("failed to read approval token: %w", err)
	}
	if s.loaded && st.ModTime().Equal(s.modTime) {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.token, s.modTime, s.loaded = "", time.Time{}, true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read approval token: %w", err)
	}
	s.token = strings.TrimSpace(string(data))
	if !wellFormed(s.token) {
		s.token = ""
	}
	s.modTime = st.ModTime()
	s.loaded = true
	return nil
}

// Token returns the stored token, or "" when there is none.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", err
	}
	return s.token, nil
}

// Exists reports whether a token is stored.
func (s *Store) Exists() bool {
	tok, err := s.Token()
	return err == nil && tok != ""
}

// Validate compares token against the stored one in constant time.
func (s *Store) Validate(token string) bool {
	stored, err := s.Token()
	if err != nil || stored == "" || len(token) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// Set replaces the stored token. The file is written 0600 and renamed into place.
func (s *Store) Set(token string) error {
	if !wellFormed(token) {
		return ErrInvalidToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".approval-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict token file: %w", err)
	}
	if _, err := tmp.WriteString(token); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	s.token = token
	s.loaded = false
	return nil
}

// Revoke deletes the stored token. Revoking when none exists is not an error.
func (s *Store) Revoke() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove approval token: %w", err)
	}
	s.token = ""
	s.loaded = false
	return nil
}

func wellFormed(token string) bool {
	if len(token) != 2*tokenBytes {
		return false
	}
	return !strings.ContainsFunc(token, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	})
}
