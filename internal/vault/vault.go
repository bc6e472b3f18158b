// Package vault keeps decrypted message plaintext encrypted at rest, so a
// record marked decrypted can be revealed again without spending another
// key-pool resource.
package vault

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/logging"
)

// ErrNotFound is returned when no plaintext is held for a message.
var ErrNotFound = errors.New("vault: plaintext not found")

const gcInterval = 5 * time.Minute

// Vault is a badger-backed plaintext cache keyed by message id.
type Vault struct {
	db *badger.DB

	gcStop chan struct{}
	wg     sync.WaitGroup
}

// Open opens (or creates) the vault in dir. The data is encrypted with a key
// derived from passphrase.
func Open(dir string, passphrase []byte) (*Vault, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("vault: empty passphrase")
	}

	key := sha256.Sum256(passphrase)

	opts := badger.DefaultOptions(dir).
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR).
		WithEncryptionKey(key[:]).
		WithIndexCacheSize(16 << 20)

	return open(opts)
}

// OpenInMemory opens a vault that lives only as long as the process.
func OpenInMemory() (*Vault, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(logrus.StandardLogger()).
		WithLoggingLevel(badger.ERROR)

	return open(opts)
}

func open(opts badger.Options) (*Vault, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	v := &Vault{
		db:     db,
		gcStop: make(chan struct{}),
	}

	if !opts.InMemory {
		v.wg.Add(1)
		logging.GoAnnotate(context.Background(), v.collectGarbage, map[string]any{"component": "vault-gc"})
	}

	return v, nil
}

// collectGarbage runs value-log GC until stopped. Badger never does this on
// its own.
func (v *Vault) collectGarbage(context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for v.db.RunValueLogGC(0.5) == nil {
			}

		case <-v.gcStop:
			return
		}
	}
}

// Put stores the plaintext of a message, replacing any previous value.
func (v *Vault) Put(messageID string, plaintext []byte) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(messageID), plaintext)
	})
	if err != nil {
		return fmt.Errorf("storing plaintext for %s: %w", messageID, err)
	}
	return nil
}

// Get returns the plaintext of a message or ErrNotFound.
func (v *Vault) Get(messageID string) ([]byte, error) {
	var data []byte

	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(messageID))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading plaintext for %s: %w", messageID, err)
	}

	return data, nil
}

// Delete removes the plaintext of the given messages. Unknown ids are ignored.
func (v *Vault) Delete(messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	wb := v.db.NewWriteBatch()
	defer wb.Cancel()

	for _, id := range messageIDs {
		if err := wb.Delete([]byte(id)); err != nil {
			return fmt.Errorf("deleting plaintext for %s: %w", id, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing vault deletes: %w", err)
	}
	return nil
}

// Close stops garbage collection and closes the database.
func (v *Vault) Close() error {
	close(v.gcStop)
	v.wg.Wait()

	return v.db.Close()
}
