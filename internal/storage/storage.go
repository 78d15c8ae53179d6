package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atm-network/atm-session/internal/logger"
	"github.com/atm-network/atm-session/internal/models"
)

// TokenKey is the fixed key the auth token is persisted under.
const TokenKey = "auth_token"

// TokenStore persists the auth token across restarts. Load returns nil
// without error when nothing usable is stored.
type TokenStore interface {
	Load(ctx context.Context) (*models.AuthToken, error)
	Save(ctx context.Context, token *models.AuthToken) error
	Clear(ctx context.Context) error
}

// GetAppDataDir returns the application data directory
func GetAppDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".atm-session"), nil
}

// FileStore keeps the token as JSON in a single file under the data directory.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file store rooted at dir, or at the app data
// directory when dir is empty.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		var err error
		if dir, err = GetAppDataDir(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create app data directory: %w", err)
	}

	return &FileStore{path: filepath.Join(dir, TokenKey+".json")}, nil
}

// Path returns the file the token is written to.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (*models.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	return decodeToken(data), nil
}

func (s *FileStore) Save(_ context.Context, token *models.AuthToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}

	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// decodeToken returns nil for anything that is not a complete token.
func decodeToken(data []byte) *models.AuthToken {
	var token models.AuthToken
	if err := json.Unmarshal(data, &token); err != nil {
		logger.Warn("Ignoring corrupt persisted token: %v", err)
		return nil
	}
	if token.Token == "" || token.OwnerAddress == "" || token.ExpiresAt.IsZero() {
		logger.Warn("Ignoring incomplete persisted token")
		return nil
	}
	token.OwnerAddress = models.NormalizeAddress(token.OwnerAddress)
	return &token
}
