package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/credential"
	"github.com/nhle/qmail/internal/dispatch"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/remote/imapbox"
	"github.com/nhle/qmail/internal/retry"
	qsync "github.com/nhle/qmail/internal/sync"
)

// tokenEnv supplies the bearer token for accounts without one in the
// keyring.
const tokenEnv = "QMAIL_TOKEN"

// Backend is the set of remote services one account talks to.
type Backend struct {
	Mailbox remote.Mailbox
	Keys    remote.KeyPool
	Crypto  remote.Crypto
	Sender  remote.Sender
}

// BackendFunc builds the backend of an account.
type BackendFunc func(acct model.AccountConfig) (*Backend, error)

type account struct {
	cfg      model.AccountConfig
	backend  *Backend
	pipeline *dispatch.Pipeline
}

// Accounts returns the configuration of every registered account.
func (a *App) Accounts() []model.AccountConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.AccountConfig, 0, len(a.accounts))
	for _, acct := range a.accounts {
		out = append(out, acct.cfg)
	}
	slices.SortFunc(out, func(x, y model.AccountConfig) int { return strings.Compare(x.ID, y.ID) })

	return out
}

// AddAccount registers an account and starts syncing it when the core is
// running. secret, when set, is stored in the keyring first: the IMAP
// password for imap accounts, the bearer token otherwise.
func (a *App) AddAccount(ctx context.Context, acct model.AccountConfig, secret string) error {
	if acct.ID == "" {
		return errors.New("adding account: id is required")
	}
	if acct.Type == "" {
		acct.Type = model.AccountTypeHTTP
	}
	acct.Enabled = true

	if secret != "" {
		if a.creds == nil {
			return fmt.Errorf("adding %s: no credential store", acct.ID)
		}

		var err error
		if acct.Type == model.AccountTypeIMAP {
			err = a.creds.SetPassword(acct.ID, secret)
		} else {
			err = a.creds.SetToken(acct.ID, secret)
		}
		if err != nil {
			return fmt.Errorf("adding %s: %w", acct.ID, err)
		}
	}

	if err := a.register(acct); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"account": acct.ID,
		"type":    acct.Type,
	}).Info("Account added")

	return nil
}

// RemoveAccount stops syncing the account and deletes its cached
// messages, queued changes, plaintext and secrets.
func (a *App) RemoveAccount(ctx context.Context, id string) error {
	a.mu.Lock()
	_, ok := a.accounts[id]
	delete(a.accounts, id)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("removing %s: %w", id, ErrUnknownAccount)
	}

	if err := a.sync.Remove(id); err != nil && !errors.Is(err, qsync.ErrUnknownAccount) {
		return err
	}

	ids, err := a.store.DeleteAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}

	if err := a.gate.Forget(ids...); err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}

	if a.creds != nil {
		if err := a.creds.DeleteAccount(id); err != nil {
			return fmt.Errorf("removing %s: %w", id, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"account":  id,
		"messages": len(ids),
	}).Info("Account removed")

	return nil
}

func (a *App) register(cfg model.AccountConfig) error {
	if _, err := a.account(cfg.ID); err == nil {
		return fmt.Errorf("adding %s: %w", cfg.ID, qsync.ErrAccountExists)
	}

	backend, err := a.backends(cfg)
	if err != nil {
		return fmt.Errorf("building backend for %s: %w", cfg.ID, err)
	}

	acct := &account{
		cfg:     cfg,
		backend: backend,
		pipeline: dispatch.New(dispatch.Deps{
			Keys:    backend.Keys,
			Crypto:  backend.Crypto,
			Sender:  backend.Sender,
			Store:   a.store,
			Network: a.net,
		}, dispatch.ConfigFrom(a.cfg.Dispatch, a.cfg.Remote.MaxRetries), dispatch.WithMetrics(a.metrics)),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.accounts[cfg.ID]; ok {
		return fmt.Errorf("adding %s: %w", cfg.ID, qsync.ErrAccountExists)
	}

	err = a.sync.Register(qsync.Account{
		ID:           cfg.ID,
		Mailbox:      backend.Mailbox,
		PollInterval: a.cfg.PollInterval(cfg),
	})
	if err != nil {
		return err
	}

	a.accounts[cfg.ID] = acct
	return nil
}

// defaultBackend talks HTTP to the configured backend. IMAP accounts read
// their mailbox over IMAP and use HTTP for everything else.
func (a *App) defaultBackend(acct model.AccountConfig) (*Backend, error) {
	token, err := a.token(acct.ID)
	if err != nil {
		return nil, err
	}

	policy := retry.DefaultPolicy()
	if a.cfg.Remote.MaxRetries > 0 {
		policy.MaxRetries = a.cfg.Remote.MaxRetries
	}

	client := remote.NewClient(a.cfg.Remote.BaseURL, token,
		remote.WithAccount(acct.ID),
		remote.WithSAE(a.cfg.QKD.MasterSAEID, a.cfg.QKD.SlaveSAEID),
		remote.WithTimeout(seconds(a.cfg.Remote.TimeoutSec)),
		remote.WithRetryPolicy(policy),
	)

	b := &Backend{Mailbox: client, Keys: client, Crypto: client, Sender: client}

	switch acct.Type {
	case "", model.AccountTypeHTTP:
	case model.AccountTypeIMAP:
		if a.creds == nil {
			return nil, fmt.Errorf("imap account %s: no credential store", acct.ID)
		}
		password, err := a.creds.Password(acct.ID)
		if err != nil {
			return nil, err
		}

		b.Mailbox = imapbox.New(imapbox.Config{
			AccountID: acct.ID,
			Host:      acct.IMAP.Host,
			Port:      acct.IMAP.Port,
			Username:  acct.IMAP.Username,
			Password:  password,
			TLS:       acct.IMAP.TLS,
		})
	default:
		return nil, fmt.Errorf("unknown account type %q", acct.Type)
	}

	return b, nil
}

func (a *App) token(accountID string) (string, error) {
	if a.creds != nil {
		token, err := a.creds.Token(accountID)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, credential.ErrNotFound) {
			return "", err
		}
	}

	if token := os.Getenv(tokenEnv); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no token for account %s: %w", accountID, credential.ErrNotFound)
}

// messageCrypto routes decrypt calls to the backend of the account that
// owns the message.
type messageCrypto struct {
	a *App
}

func (c messageCrypto) backend(ctx context.Context, messageID string) (*Backend, error) {
	rec, err := c.a.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	acct, err := c.a.account(rec.AccountID)
	if err != nil {
		return nil, err
	}
	return acct.backend, nil
}

func (c messageCrypto) Decrypt(ctx context.Context, messageID string) (*remote.Opened, error) {
	b, err := c.backend(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return b.Crypto.Decrypt(ctx, messageID)
}

func (c messageCrypto) VerifyCode(ctx context.Context, messageID, code string) (bool, error) {
	b, err := c.backend(ctx, messageID)
	if err != nil {
		return false, err
	}
	return b.Crypto.VerifyCode(ctx, messageID, code)
}
