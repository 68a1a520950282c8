package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"authrelay/pkg/logging"
)

// DefaultCredentialDir is the default directory for file-backed credentials,
// relative to the user's home directory.
const DefaultCredentialDir = ".config/authrelay/credentials"

// encryptionKeyFile is the name of the store-local key file, created next to
// the credential directory when at-rest encryption is enabled.
const encryptionKeyFile = "credentials.key"

// FileStoreConfig configures the file-backed credential store.
type FileStoreConfig struct {
	// Dir is the credential directory. Defaults to ~/.config/authrelay/credentials.
	Dir string

	// Encrypt enables AES-256-GCM at-rest encryption with a store-local key.
	// The key is generated on first use and stored with 0600 permissions.
	// Encryption is transparent to callers.
	Encrypt bool
}

// FileStore persists one JSON file per (user, provider) credential.
//
// SECURITY: files are created with 0600 permissions and the directory with
// 0700. Token values are never logged. File names are SHA256-derived so user
// identifiers never appear on disk in the clear.
//
// A small in-memory cache fronts the files; Watch invalidates it when an
// external process (e.g. the CLI) rewrites a credential file.
type FileStore struct {
	mu    sync.RWMutex
	dir   string
	cache map[string]*Credential // key -> credential
	aead  cipher.AEAD            // nil when encryption is disabled

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewFileStore creates a file-backed credential store.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	dir := cfg.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, DefaultCredentialDir)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	s := &FileStore{
		dir:    dir,
		cache:  make(map[string]*Credential),
		stopCh: make(chan struct{}),
	}

	if cfg.Encrypt {
		aead, err := loadOrCreateAEAD(filepath.Join(filepath.Dir(dir), encryptionKeyFile))
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}

	return s, nil
}

// loadOrCreateAEAD loads the store-local AES-256 key, generating it with
// restrictive permissions on first use.
func loadOrCreateAEAD(keyPath string) (cipher.AEAD, error) {
	key, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		if err := os.WriteFile(keyPath, key, 0600); err != nil {
			return nil, fmt.Errorf("failed to write encryption key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key at %s has invalid length %d", keyPath, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Store saves a credential, overwriting any previous entry.
func (s *FileStore) Store(ctx context.Context, userID, provider string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(userID, provider)
	if err := s.writeFile(key, cred); err != nil {
		logging.Audit(logging.AuditEvent{
			Action:   "credential_store",
			Outcome:  "failure",
			UserID:   userID,
			Provider: provider,
		})
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	s.cache[key] = cred.Clone()

	logging.Audit(logging.AuditEvent{
		Action:   "credential_store",
		Outcome:  "success",
		UserID:   userID,
		Provider: provider,
	})
	return nil
}

// Get retrieves a credential, applying the shared expiry semantics.
func (s *FileStore) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	key := credKey(userID, provider)

	s.mu.RLock()
	cred, cached := s.cache[key]
	s.mu.RUnlock()

	if !cached {
		var err error
		cred, err = s.readFile(key)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to read credential: %w", err)
		}
		s.mu.Lock()
		s.cache[key] = cred
		s.mu.Unlock()
	}

	out, del := evaluateExpiry(cred, time.Now())
	if del {
		s.mu.Lock()
		delete(s.cache, key)
		err := s.deleteFile(key)
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to purge expired credential: %w", err)
		}
		logging.Debug("CredStore", "Purged expired credential for user=%s provider=%s",
			logging.TruncateID(userID), provider)
		return nil, nil
	}
	return out.Clone(), nil
}

// Delete removes a credential.
func (s *FileStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credKey(userID, provider)
	delete(s.cache, key)
	if err := s.deleteFile(key); err != nil {
		return err
	}

	logging.Audit(logging.AuditEvent{
		Action:   "credential_delete",
		Outcome:  "success",
		UserID:   userID,
		Provider: provider,
	})
	return nil
}

// List returns all live credentials for a user keyed by provider.
// Scans the credential directory since file names are hash-derived.
func (s *FileStore) List(ctx context.Context, userID string) (map[string]*Credential, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential directory: %w", err)
	}

	now := time.Now()
	result := make(map[string]*Credential)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		cred, err := s.readFile(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			logging.Warn("CredStore", "Skipping unreadable credential file %s: %v", entry.Name(), err)
			continue
		}
		if cred.UserID != userID {
			continue
		}
		if out, _ := evaluateExpiry(cred, now); out != nil {
			result[cred.Provider] = out.Clone()
		}
	}
	return result, nil
}

// Sweep removes all expired-and-unrefreshable credential files.
func (s *FileStore) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read credential directory: %w", err)
	}

	now := time.Now()
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".json")
		cred, err := s.readFile(key)
		if err != nil {
			continue
		}
		if _, del := evaluateExpiry(cred, now); del {
			s.mu.Lock()
			delete(s.cache, key)
			err := s.deleteFile(key)
			s.mu.Unlock()
			if err == nil {
				count++
			}
		}
	}
	return count, nil
}

// Watch invalidates the in-memory cache when credential files change on
// disk, so logins performed by an external process become visible without a
// restart. Runs until Close is called.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create credential watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch credential directory: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(watcher)
	return nil
}

func (s *FileStore) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			key := strings.TrimSuffix(filepath.Base(event.Name), ".json")
			s.mu.Lock()
			delete(s.cache, key)
			s.mu.Unlock()
			logging.Debug("CredStore", "Invalidated cached credential after external change (%s)", event.Op)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("CredStore", "Credential watcher error: %v", err)
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the watcher, if running.
func (s *FileStore) Close() error {
	close(s.stopCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

func (s *FileStore) credPath(key string) string {
	return filepath.Join(s.dir, key+".json")
}

func (s *FileStore) writeFile(key string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if s.aead != nil {
		data, err = s.seal(data)
		if err != nil {
			return err
		}
	}

	return os.WriteFile(s.credPath(key), data, 0600)
}

func (s *FileStore) readFile(key string) (*Credential, error) {
	// #nosec G304 -- path is constructed from a hash-derived key, not user input
	data, err := os.ReadFile(s.credPath(key))
	if err != nil {
		return nil, err
	}

	if s.aead != nil {
		data, err = s.open(data)
		if err != nil {
			return nil, err
		}
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	return &cred, nil
}

func (s *FileStore) deleteFile(key string) error {
	err := os.Remove(s.credPath(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// seal encrypts plaintext with a random nonce prefixed to the ciphertext.
func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *FileStore) open(data []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("credential file too short to be valid ciphertext")
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return plaintext, nil
}

var _ Store = (*FileStore)(nil)
var _ Sweepable = (*FileStore)(nil)
