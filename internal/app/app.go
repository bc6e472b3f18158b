// Package app is the core facade the user interface talks to. Reads and
// local mutations return immediately; only Send and Decrypt wait on the
// network.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/credential"
	"github.com/nhle/qmail/internal/dispatch"
	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/gate"
	"github.com/nhle/qmail/internal/logging"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/netmon"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/store"
	qsync "github.com/nhle/qmail/internal/sync"
	"github.com/nhle/qmail/internal/telemetry"
)

// ErrUnknownAccount is returned for account ids that were never added.
var ErrUnknownAccount = errors.New("app: unknown account")

// Deps are the collaborators of an App. Store and Vault are owned by the
// caller and must outlive the App.
type Deps struct {
	Store store.Store
	Vault gate.Plaintexts

	// Credentials supplies account secrets. Nil limits secrets to the
	// QMAIL_TOKEN environment variable.
	Credentials *credential.Store

	// Prober checks backend reachability. Nil probes the health endpoint
	// of the configured base URL.
	Prober remote.Prober

	// Backends builds the remote services of an account. Nil picks the
	// HTTP or IMAP backend from the account type.
	Backends BackendFunc

	Bus     *events.Bus
	Metrics *telemetry.Metrics
}

// App wires the store, sync engine, dispatch pipeline and access gate.
type App struct {
	cfg      *model.AppConfig
	store    store.Store
	vault    gate.Plaintexts
	creds    *credential.Store
	backends BackendFunc
	metrics  *telemetry.Metrics

	bus     *events.Bus
	ownsBus bool
	net     *netmon.Monitor
	sync    *qsync.Manager
	gate    *gate.Gate

	mu       sync.RWMutex
	accounts map[string]*account

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the core and registers every enabled account from cfg.
// Accounts whose backend cannot be built are skipped with a warning.
func New(cfg *model.AppConfig, deps Deps) (*App, error) {
	if cfg == nil {
		cfg = model.DefaultAppConfig()
	}
	if deps.Store == nil || deps.Vault == nil {
		return nil, errors.New("app: store and vault are required")
	}

	a := &App{
		cfg:      cfg,
		store:    deps.Store,
		vault:    deps.Vault,
		creds:    deps.Credentials,
		backends: deps.Backends,
		metrics:  deps.Metrics,
		bus:      deps.Bus,
		accounts: make(map[string]*account),
	}
	if a.bus == nil {
		a.bus = events.NewBus()
		a.ownsBus = true
	}
	if a.backends == nil {
		a.backends = a.defaultBackend
	}

	prober := deps.Prober
	if prober == nil {
		prober = remote.NewClient(cfg.Remote.BaseURL, "", remote.WithTimeout(seconds(cfg.Network.ProbeTimeoutSec)))
	}
	a.net = netmon.New(prober, a.bus, seconds(cfg.Network.ProbeIntervalSec), seconds(cfg.Network.ProbeTimeoutSec))

	a.sync = qsync.NewManager(a.store, a.net, a.bus,
		qsync.ConfigFrom(cfg.Sync, seconds(cfg.Remote.TimeoutSec)),
		qsync.WithMetrics(a.metrics),
	)

	a.gate = gate.New(a.store, a.vault, messageCrypto{a: a}, gate.ConfigFrom(cfg.Gate), gate.WithMetrics(a.metrics))

	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		if err := a.register(acct); err != nil {
			logrus.WithError(err).WithField("account", acct.ID).Warn("Skipping account")
		}
	}

	return a, nil
}

// Start begins network probing and starts a sync worker per account.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	logging.GoAnnotate(ctx, func(ctx context.Context) {
		defer a.wg.Done()
		a.net.Run(ctx)
	}, map[string]any{"component": "netmon"})

	return a.sync.Start(ctx)
}

// Close stops every worker and the monitor. It does not close the store
// or the vault.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.sync.Close()

	if a.ownsBus {
		a.bus.Close()
	}
}

// SetOnline passes an operating system connectivity hint to the monitor.
func (a *App) SetOnline(online bool) {
	a.net.SetOnline(online)
}

// Online reports whether the backend is believed reachable.
func (a *App) Online() bool {
	return a.net.Online()
}

// ListFolder returns cached messages, newest first.
func (a *App) ListFolder(ctx context.Context, accountID, folder string, limit, offset int) ([]model.MessageRecord, error) {
	return a.store.GetByFolder(ctx, accountID, folder, limit, offset)
}

// GetMessage returns one cached message.
func (a *App) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	return a.store.GetByID(ctx, id)
}

// MarkRead sets the read flag locally and queues it for the remote.
func (a *App) MarkRead(ctx context.Context, id string, read bool) (*model.MessageRecord, error) {
	return a.patch(ctx, id, model.MessagePatch{IsRead: &read})
}

// MarkStarred sets the starred flag locally and queues it for the remote.
func (a *App) MarkStarred(ctx context.Context, id string, starred bool) (*model.MessageRecord, error) {
	return a.patch(ctx, id, model.MessagePatch{IsStarred: &starred})
}

// MoveToTrash files the message under trash and queues the move.
func (a *App) MoveToTrash(ctx context.Context, id string) (*model.MessageRecord, error) {
	folder := model.FolderTrash
	return a.patch(ctx, id, model.MessagePatch{Folder: &folder})
}

// Delete removes the message locally and queues the remote delete.
func (a *App) Delete(ctx context.Context, id string) error {
	rec, err := a.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}

	if err := a.gate.Forget(id); err != nil {
		logrus.WithError(err).WithField("message", id).Warn("Failed to drop cached plaintext")
	}
	a.sync.Refresh(rec.AccountID)

	return nil
}

func (a *App) patch(ctx context.Context, id string, p model.MessagePatch) (*model.MessageRecord, error) {
	rec, err := a.store.Patch(ctx, id, p)
	if err != nil {
		return nil, err
	}

	// The worker replays the queue on its next tick; this makes it now.
	a.sync.Refresh(rec.AccountID)
	return rec, nil
}

// Send submits a draft from its account at the requested tier. It blocks
// until the backend answers.
func (a *App) Send(ctx context.Context, d dispatch.Draft, tier model.Tier) (*dispatch.Result, error) {
	acct, err := a.account(d.AccountID)
	if err != nil {
		return nil, err
	}
	if d.From == "" {
		d.From = acct.cfg.Email
	}

	res, err := acct.pipeline.Send(ctx, d, tier)
	if err != nil {
		a.observe(err)
		return nil, err
	}

	a.net.ReportSuccess()
	return res, nil
}

// Decrypt reveals a message through the access gate. code may be empty.
func (a *App) Decrypt(ctx context.Context, id, code string) (*gate.Result, error) {
	res, err := a.gate.Decrypt(ctx, id, code)
	if err != nil {
		a.observe(err)
		return nil, err
	}
	return res, nil
}

// AccessState reports the gate state of a message.
func (a *App) AccessState(ctx context.Context, id string) (gate.State, error) {
	return a.gate.State(ctx, id)
}

// Lock ends every decrypt session.
func (a *App) Lock() {
	a.gate.Lock()
}

// observe feeds connectivity failures of blocking calls to the monitor.
func (a *App) observe(err error) {
	if remote.IsNetwork(err) {
		a.net.ReportFailure(err)
	}
}

// Subscribe returns a subscription for an account's events, or for every
// account when accountID is empty. kinds filters by event type.
func (a *App) Subscribe(accountID string, kinds ...events.Event) *events.Subscription {
	return a.bus.Subscribe(accountID, kinds...)
}

// SyncStates returns the sync state of every account.
func (a *App) SyncStates() []model.AccountSyncState {
	return a.sync.States()
}

// RestartSync restarts a stopped account.
func (a *App) RestartSync(accountID string) error {
	return a.sync.Restart(accountID)
}

// Notifications returns unread notifications, newest first.
func (a *App) Notifications(ctx context.Context) ([]model.Notification, error) {
	return a.store.GetUnreadNotifications(ctx)
}

// MarkNotificationRead marks a notification as seen.
func (a *App) MarkNotificationRead(ctx context.Context, id string) error {
	return a.store.MarkNotificationRead(ctx, id)
}

// DiscardMutation drops a queued change the remote rejected, unblocking
// the queue behind it.
func (a *App) DiscardMutation(ctx context.Context, entryID string) error {
	if err := a.store.DiscardMutation(ctx, entryID); err != nil {
		return err
	}
	a.sync.RefreshAll()
	return nil
}

// Classify maps an error returned by the core onto the error taxonomy.
func Classify(err error) model.ErrorKind {
	switch {
	case err == nil:
		return model.ErrorKindNone
	case store.IsCorrupt(err):
		return model.ErrorKindStorageCorruption
	case errors.Is(err, gate.ErrReauthRequired):
		return model.ErrorKindReauthRequired
	case errors.Is(err, dispatch.ErrInvalidDraft),
		errors.Is(err, dispatch.ErrUnknownTier),
		errors.Is(err, ErrUnknownAccount),
		store.IsNotFound(err):
		return model.ErrorKindRemoteRejected
	default:
		return remote.KindOf(err)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *App) account(id string) (*account, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	acct, ok := a.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acct, nil
}
