// Package keyring provides secure storage for the credential encryption key.
//
// The key is stored in the system keychain when one is available
// (macOS Keychain, Windows Credential Manager, libsecret/kwallet on
// Linux). In headless or CI environments the package silently falls
// back to a file at ~/.devspawn/encryption.key with 0600 permissions.
//
// All key creation runs under a global file lock (~/.devspawn/key.lock)
// so concurrent first runs cannot race each other into creating
// different keys. The file backend refuses to read a key file whose
// permissions are wider than 0600, since the key may have been exposed.
package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/pksorensen/devspawn/internal/log"
)

const (
	// ServiceName is the keyring service identifier. Overridable with
	// DEVSPAWN_KEYRING_SERVICE for test isolation.
	ServiceName = "devspawn"
	// AccountName is the keyring account identifier.
	AccountName = "encryption-key"
	// KeySize is the required encryption key size in bytes.
	KeySize = 32
)

func serviceName() string {
	if name := os.Getenv("DEVSPAWN_KEYRING_SERVICE"); name != "" {
		return name
	}
	return ServiceName
}

func encodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length: expected %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Backend defines the interface for key storage.
type Backend interface {
	Get() ([]byte, error)
	Set(key []byte) error
	Delete() error
	Name() string
}

// keychainBackend stores keys in the system keychain.
type keychainBackend struct{}

func (k *keychainBackend) Get() ([]byte, error) {
	encoded, err := keyring.Get(serviceName(), AccountName)
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	return decodeKey(encoded)
}

func (k *keychainBackend) Set(key []byte) error {
	// Another process may have created a key between our Get and Set;
	// never overwrite an existing key.
	service := serviceName()
	if _, err := keyring.Get(service, AccountName); err == nil {
		return nil
	}

	if err := keyring.Set(service, AccountName, encodeKey(key)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func (k *keychainBackend) Delete() error {
	if err := keyring.Delete(serviceName(), AccountName); err != nil {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

func (k *keychainBackend) Name() string {
	return "system keychain"
}

// fileBackend stores keys in a file with restricted permissions.
type fileBackend struct {
	path string
}

// ErrInsecurePermissions is returned when the key file has overly
// permissive permissions.
var ErrInsecurePermissions = errors.New("key file has insecure permissions")

func (f *fileBackend) Get() ([]byte, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		return nil, fmt.Errorf("%w: %s has permissions %04o (expected 0600); chmod 600 it and consider re-registering the runner",
			ErrInsecurePermissions, f.path, perm)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	// Trim whitespace to handle trailing newlines from manual editing
	return decodeKey(strings.TrimSpace(string(data)))
}

func (f *fileBackend) Set(key []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	lockPath := f.path + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("creating lock file: %w", err)
	}
	defer lf.Close()
	defer os.Remove(lockPath)

	unlock, err := lockFile(lf)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer unlock()

	// A key created while we waited for the lock wins; the caller
	// re-reads after Set.
	if _, err := os.Stat(f.path); err == nil {
		return nil
	}

	if err := os.WriteFile(f.path, []byte(encodeKey(key)), 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

func (f *fileBackend) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key file: %w", err)
	}
	return nil
}

func (f *fileBackend) Name() string {
	return "file (" + f.path + ")"
}

// ErrNoHomeDirectory is returned when the home directory cannot be determined.
var ErrNoHomeDirectory = errors.New("could not determine home directory for secure key storage")

// DefaultKeyFilePath returns the absolute path of the fallback key
// file. It fails rather than use a temp directory, which may be
// world-readable or cleared on reboot.
func DefaultKeyFilePath() (string, error) {
	filename := "encryption.key"
	if name := os.Getenv("DEVSPAWN_KEYRING_SERVICE"); name != "" {
		filename = name + ".key"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if envHome := os.Getenv("HOME"); envHome != "" {
			return filepath.Join(envHome, ".devspawn", filename), nil
		}
		return "", fmt.Errorf("%w: set $HOME or ensure user home is configured", ErrNoHomeDirectory)
	}
	return filepath.Join(home, ".devspawn", filename), nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}

func globalLockPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if envHome := os.Getenv("HOME"); envHome != "" {
			home = envHome
		} else {
			home = os.TempDir()
		}
	}
	return filepath.Join(home, ".devspawn", "key.lock")
}

// withGlobalKeyLock serializes key creation across processes and
// backends.
func withGlobalKeyLock(fn func() ([]byte, error)) ([]byte, error) {
	lockPath := globalLockPath()

	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating global key lock file: %w", err)
	}
	defer lf.Close()

	unlock, err := lockFile(lf)
	if err != nil {
		return nil, fmt.Errorf("acquiring global key lock: %w", err)
	}
	defer unlock()

	return fn()
}

func getOrCreateKeyWithBackends(primary, fallback Backend) ([]byte, error) {
	if key, err := primary.Get(); err == nil {
		return key, nil
	}
	if key, err := fallback.Get(); err == nil {
		return key, nil
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	primaryErr := primary.Set(key)
	if primaryErr == nil {
		// Re-read so we return the key actually stored, which may have
		// been written by a concurrent process.
		storedKey, getErr := primary.Get()
		if getErr != nil {
			return nil, fmt.Errorf("verifying stored encryption key in %s: %w", primary.Name(), getErr)
		}
		return storedKey, nil
	}

	log.Info("system keychain unavailable, using file-based key storage", "fallback", fallback.Name())
	if fallbackErr := fallback.Set(key); fallbackErr != nil {
		return nil, fmt.Errorf("storing encryption key failed (keychain: %v; file: %v); ensure ~/.devspawn is writable",
			primaryErr, fallbackErr)
	}

	storedKey, err := fallback.Get()
	if err != nil {
		return nil, fmt.Errorf("verifying stored encryption key: %w", err)
	}
	return storedKey, nil
}

// GetOrCreateKey retrieves the encryption key from keychain or file,
// generating a new one if needed.
func GetOrCreateKey() ([]byte, error) {
	return withGlobalKeyLock(func() ([]byte, error) {
		keyFilePath, err := DefaultKeyFilePath()
		if err != nil {
			return nil, err
		}
		primary := &keychainBackend{}
		fallback := &fileBackend{path: keyFilePath}
		return getOrCreateKeyWithBackends(primary, fallback)
	})
}

// DeleteKey removes the encryption key from all storage backends.
func DeleteKey() error {
	keyFilePath, err := DefaultKeyFilePath()
	if err != nil {
		log.Debug("could not determine key file path for deletion", "error", err)
		keyFilePath = ""
	}
	primary := &keychainBackend{}
	fallback := &fileBackend{path: keyFilePath}

	primaryErr := primary.Delete()
	fallbackErr := fallback.Delete()

	if primaryErr != nil && fallbackErr != nil {
		return fmt.Errorf("deleting key from all backends: %w",
			errors.Join(
				fmt.Errorf("keychain: %w", primaryErr),
				fmt.Errorf("file: %w", fallbackErr),
			))
	}
	return nil
}
