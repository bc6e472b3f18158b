// Package credential keeps account bearer tokens and the vault passphrase
// in the operating system keyring.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const (
	serviceName   = "qmail"
	passphraseKey = "vault-passphrase"
)

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("credential: not found")

// Store reads and writes credentials in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file under
// dir when no native backend is available.
func Open(dir string) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", "qmail")
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(dir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("qmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}

	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func tokenKey(accountID string) string {
	return "token-" + accountID
}

func passwordKey(accountID string) string {
	return "imap-" + accountID
}

// Token returns the bearer token of an account.
func (s *Store) Token(accountID string) (string, error) {
	data, err := s.get(tokenKey(accountID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetToken stores the bearer token of an account.
func (s *Store) SetToken(accountID, token string) error {
	return s.set(tokenKey(accountID), []byte(token))
}

// Password returns the IMAP password of an account.
func (s *Store) Password(accountID string) (string, error) {
	data, err := s.get(passwordKey(accountID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPassword stores the IMAP password of an account.
func (s *Store) SetPassword(accountID, password string) error {
	return s.set(passwordKey(accountID), []byte(password))
}

// DeleteAccount removes every secret of an account. Missing entries are
// not an error.
func (s *Store) DeleteAccount(accountID string) error {
	for _, key := range []string{tokenKey(accountID), passwordKey(accountID)} {
		err := s.ring.Remove(key)
		if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !os.IsNotExist(err) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}

// VaultPassphrase returns the passphrase protecting the plaintext vault,
// generating and storing one on first use.
func (s *Store) VaultPassphrase() ([]byte, error) {
	data, err := s.get(passphraseKey)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating vault passphrase: %w", err)
	}
	pass := []byte(hex.EncodeToString(buf))

	if err := s.set(passphraseKey, pass); err != nil {
		return nil, err
	}
	return pass, nil
}

func (s *Store) get(key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

func (s *Store) set(key string, value []byte) error {
	err := s.ring.Set(keyring.Item{
		Key:   key,
		Data:  value,
		Label: "qmail " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}
