// Package sync keeps the local mailbox eventually consistent with each
// account's remote mailbox. A Manager owns one worker goroutine per account;
// each worker replays queued mutations and then fetches new messages.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/logging"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/internal/telemetry"
)

var (
	ErrUnknownAccount = errors.New("sync: unknown account")
	ErrAccountExists  = errors.New("sync: account already registered")
	ErrNotStarted     = errors.New("sync: manager not started")
	ErrClosed         = errors.New("sync: manager closed")
)

// Config tunes every worker of a Manager.
type Config struct {
	Folder               string
	InitialPageSize      int
	PollPageSize         int
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	MaxBackoff           time.Duration
	DrainBatch           int

	// FetchTimeout bounds each remote call. Remote calls are never tied to
	// the worker's context, so stopping a worker does not abort them.
	FetchTimeout time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Folder:               model.FolderInbox,
		InitialPageSize:      30,
		PollPageSize:         10,
		PollInterval:         30 * time.Second,
		MaxConsecutiveErrors: 5,
		MaxBackoff:           5 * time.Minute,
		DrainBatch:           50,
		FetchTimeout:         30 * time.Second,
	}
}

// ConfigFrom converts the sync section of the application config.
func ConfigFrom(sc model.SyncConfig, fetchTimeout time.Duration) Config {
	return Config{
		Folder:               sc.DefaultFolder,
		InitialPageSize:      sc.InitialPageSize,
		PollPageSize:         sc.PollPageSize,
		PollInterval:         time.Duration(sc.PollIntervalSec) * time.Second,
		MaxConsecutiveErrors: sc.MaxConsecutiveErrors,
		MaxBackoff:           time.Duration(sc.MaxBackoffSec) * time.Second,
		DrainBatch:           sc.DrainBatch,
		FetchTimeout:         fetchTimeout,
	}.normalize()
}

func (c Config) normalize() Config {
	def := DefaultConfig()

	if c.Folder == "" {
		c.Folder = def.Folder
	}
	if c.InitialPageSize <= 0 {
		c.InitialPageSize = def.InitialPageSize
	}
	if c.PollPageSize <= 0 {
		c.PollPageSize = def.PollPageSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = def.DrainBatch
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}

	return c
}

// Availability is the view of the network monitor the engine needs.
// *netmon.Monitor implements it.
type Availability interface {
	Online() bool
	ReportFailure(err error)
	ReportSuccess()
}

// Account is one mailbox to keep in sync.
type Account struct {
	ID      string
	Mailbox remote.Mailbox

	// PollInterval overrides the manager's interval when non-zero.
	PollInterval time.Duration
}

// stopCause records why a worker is not running.
type stopCause int

const (
	causeNone stopCause = iota
	causeManual
	causeErrors
	causeCorruption
)

// handle is the manager's record of one account. It outlives the workers
// started for it, so the tick lock serializes ticks across restarts.
type handle struct {
	acct Account

	// tickMu allows one drain+fetch at a time for the account.
	tickMu gosync.Mutex

	// commitMu orders local writes of a tick against Remove.
	commitMu gosync.Mutex
	removed  bool

	mu       gosync.Mutex
	state    model.AccountSyncState
	gen      uint64
	cancel   context.CancelFunc
	cause    stopCause
	lastKind model.ErrorKind

	nudge chan struct{}
}

func (h *handle) snapshot() model.AccountSyncState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records poll and replay metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces the time source used for checkpoints.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

// Manager owns the per-account workers.
type Manager struct {
	store   store.Store
	net     Availability
	bus     *events.Bus
	metrics *telemetry.Metrics
	cfg     Config
	now     func() time.Time

	mu       gosync.Mutex
	accounts map[string]*handle
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool

	wg gosync.WaitGroup
}

// NewManager creates a manager. Workers start on Start.
func NewManager(st store.Store, net Availability, bus *events.Bus, cfg Config, opts ...Option) *Manager {
	if bus == nil {
		bus = events.NewBus()
	}

	m := &Manager{
		store:    st,
		net:      net,
		bus:      bus,
		cfg:      cfg.normalize(),
		now:      func() time.Time { return time.Now().UTC() },
		accounts: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Register adds an account. If the manager is running its worker starts
// right away.
func (m *Manager) Register(acct Account) error {
	if acct.ID == "" || acct.Mailbox == nil {
		return fmt.Errorf("registering account: id and mailbox are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.accounts[acct.ID]; ok {
		return fmt.Errorf("registering %s: %w", acct.ID, ErrAccountExists)
	}

	h := &handle{
		acct:  acct,
		state: model.AccountSyncState{AccountID: acct.ID, Phase: model.PhaseIdle},
		nudge: make(chan struct{}, 1),
	}
	m.accounts[acct.ID] = h

	if m.ctx != nil {
		m.startLocked(h)
	}

	return nil
}

// Start launches a worker for every registered account plus the listener
// that reacts to connectivity coming back.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.ctx != nil {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	for _, h := range m.accounts {
		m.startLocked(h)
	}

	sub := m.bus.Subscribe("", events.NetworkStatusChanged{})
	m.wg.Add(1)
	logging.GoAnnotate(m.ctx, func(ctx context.Context) {
		defer m.wg.Done()
		defer sub.Close()

		m.watchNetwork(ctx, sub)
	})

	return nil
}

// startLocked launches a new worker generation for h. m.mu must be held.
func (m *Manager) startLocked(h *handle) {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	h.gen++
	h.cancel = cancel
	h.cause = causeNone
	h.state.PollingActive = true
	h.state.LastError = ""
	w := newWorker(m, h, h.gen)
	h.mu.Unlock()

	m.wg.Add(1)
	logging.GoAnnotate(ctx, func(ctx context.Context) {
		defer m.wg.Done()
		defer cancel()

		w.run(ctx)
	}, map[string]any{"account": h.acct.ID})
}

// Stop cancels the account's worker. A fetch already in flight completes
// on its own and its result is dropped.
func (m *Manager) Stop(accountID string) error {
	h, err := m.lookup(accountID)
	if err != nil {
		return err
	}

	m.halt(h, 0, causeManual, model.ErrorKindNone, "stopped")

	return nil
}

// Restart stops the account's worker, if any, and starts a fresh one
// from the persisted checkpoint.
func (m *Manager) Restart(accountID string) error {
	h, err := m.lookup(accountID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return ErrNotStarted
	}

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()

	m.startLocked(h)

	return nil
}

// Remove stops the account and forgets it. When Remove returns no tick
// of the account will write to the store again, so the caller can purge
// its data.
func (m *Manager) Remove(accountID string) error {
	m.mu.Lock()
	h, ok := m.accounts[accountID]
	delete(m.accounts, accountID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("removing %s: %w", accountID, ErrUnknownAccount)
	}

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.gen++
	h.mu.Unlock()

	// Waits out a commit that began before the cancellation.
	h.commitMu.Lock()
	h.removed = true
	h.commitMu.Unlock()

	return nil
}

// Refresh asks the account's worker to tick now. It never blocks.
func (m *Manager) Refresh(accountID string) {
	h, err := m.lookup(accountID)
	if err != nil {
		return
	}

	select {
	case h.nudge <- struct{}{}:
	default:
	}
}

// RefreshAll nudges every running worker.
func (m *Manager) RefreshAll() {
	for _, h := range m.handles() {
		select {
		case h.nudge <- struct{}{}:
		default:
		}
	}
}

// State returns a snapshot of the account's sync state.
func (m *Manager) State(accountID string) (model.AccountSyncState, bool) {
	h, err := m.lookup(accountID)
	if err != nil {
		return model.AccountSyncState{}, false
	}

	return h.snapshot(), true
}

// States returns snapshots of every account, ordered by id.
func (m *Manager) States() []model.AccountSyncState {
	handles := m.handles()

	out := make([]model.AccountSyncState, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })

	return out
}

// Close stops every worker and waits for them to exit. In-flight fetches
// are allowed to finish, bounded by the fetch timeout.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	for _, h := range m.accounts {
		h.mu.Lock()
		if h.cancel != nil {
			h.cancel()
			h.cancel = nil
		}
		h.state.PollingActive = false
		h.mu.Unlock()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) lookup(accountID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", accountID, ErrUnknownAccount)
	}

	return h, nil
}

func (m *Manager) handles() []*handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*handle, 0, len(m.accounts))
	for _, h := range m.accounts {
		out = append(out, h)
	}

	return out
}

// halt moves h to Stopped. A non-zero gen only halts that worker
// generation, so a superseded worker cannot stop its successor.
func (m *Manager) halt(h *handle, gen uint64, cause stopCause, kind model.ErrorKind, reason string) bool {
	h.mu.Lock()
	if gen != 0 && h.gen != gen {
		h.mu.Unlock()
		return false
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.cause = cause
	h.lastKind = kind
	h.state.Phase = model.PhaseStopped
	h.state.PollingActive = false
	if cause != causeManual {
		h.state.LastError = reason
	}
	snap := h.state
	h.mu.Unlock()

	m.bus.Publish(events.AccountStateChanged{AccountID: h.acct.ID, State: snap})
	if cause != causeManual {
		m.bus.Publish(events.AccountStopped{AccountID: h.acct.ID, Reason: reason})
	}

	return true
}

// watchNetwork restarts or nudges workers when connectivity returns.
func (m *Manager) watchNetwork(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if st, ok := ev.(events.NetworkStatusChanged); ok && st.Online {
				m.reconnect(ctx)
			}
		}
	}
}

// reconnect nudges running workers so they drain right away, and restarts
// accounts that stopped on failures if they have queued mutations or only
// failed for lack of network. Accounts stopped by the user only get their
// queue replayed; polling stays off.
func (m *Manager) reconnect(ctx context.Context) {
	for _, h := range m.handles() {
		h.mu.Lock()
		running := h.cancel != nil
		cause := h.cause
		kind := h.lastKind
		h.mu.Unlock()

		if running {
			select {
			case h.nudge <- struct{}{}:
			default:
			}
			continue
		}
		if cause != causeErrors && cause != causeManual {
			continue
		}

		pending, err := m.store.PendingMutations(ctx, h.acct.ID)
		if err != nil {
			logrus.WithError(err).WithField("account", h.acct.ID).Warn("Failed to count pending mutations")
			continue
		}

		if cause == causeManual {
			if pending > 0 {
				m.drainStopped(ctx, h)
			}
			continue
		}
		if pending == 0 && kind != model.ErrorKindNetworkUnavailable {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"account": h.acct.ID,
			"pending": pending,
		}).Info("Restarting account after reconnect")

		m.mu.Lock()
		if !m.closed && m.ctx != nil {
			if _, ok := m.accounts[h.acct.ID]; ok {
				m.startLocked(h)
			}
		}
		m.mu.Unlock()
	}
}

// drainStopped replays the queue of a stopped account once, without
// starting a worker generation.
func (m *Manager) drainStopped(ctx context.Context, h *handle) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.accounts[h.acct.ID]; !ok {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()

	logging.GoAnnotate(ctx, func(ctx context.Context) {
		defer m.wg.Done()

		h.tickMu.Lock()
		defer h.tickMu.Unlock()

		w := newWorker(m, h, gen)
		w.log.Info("Replaying queued mutations of a stopped account")

		if err := w.drain(ctx); err != nil && !errors.Is(err, errDiscarded) {
			w.log.WithError(err).Info("Queue replay of a stopped account incomplete")
		}
	}, map[string]any{"account": h.acct.ID})
}
