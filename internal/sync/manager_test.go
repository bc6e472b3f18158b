package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/netmon"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/remote/remotetest"
	"github.com/nhle/qmail/internal/store"
	qsync "github.com/nhle/qmail/internal/sync"
	"github.com/nhle/qmail/tests/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	store *store.SQLiteStore
	bus   *events.Bus
	net   *netmon.Monitor
	mgr   *qsync.Manager
	mbox  *remotetest.Mailbox
}

func newHarness(t *testing.T, cfg qsync.Config) *harness {
	t.Helper()

	st := testutil.NewTestStore(t)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	mon := netmon.New(&remotetest.Prober{}, bus, time.Hour, time.Second)
	mgr := qsync.NewManager(st, mon, bus, cfg)
	t.Cleanup(mgr.Close)

	return &harness{
		store: st,
		bus:   bus,
		net:   mon,
		mgr:   mgr,
		mbox:  remotetest.NewMailbox(),
	}
}

func slowConfig() qsync.Config {
	cfg := qsync.DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.MaxBackoff = time.Hour
	return cfg
}

func (h *harness) seed(n int) {
	for i := 0; i < n; i++ {
		h.mbox.Add(testutil.Message("a", i))
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.mgr.Register(qsync.Account{ID: "a", Mailbox: h.mbox}))
	require.NoError(t, h.mgr.Start(context.Background()))
}

func (h *harness) waitPhase(t *testing.T, phase model.SyncPhase) model.AccountSyncState {
	t.Helper()

	var st model.AccountSyncState
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = h.mgr.State("a")
		return ok && st.Phase == phase
	}, waitFor, tick, "account never reached %s", phase)

	return st
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()

	n, err := h.store.PendingMutations(context.Background(), "a")
	require.NoError(t, err)
	return n
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()

	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestInitialFetchTakesOnePage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(45)
	h.net.SetOnline(true)

	h.start(t)
	st := h.waitPhase(t, model.PhasePolling)

	recs, err := h.store.GetByFolder(ctx, "a", model.FolderInbox, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 30)
	assert.Equal(t, "a-msg-044", recs[0].ID)
	assert.Equal(t, "a-msg-015", recs[29].ID)

	assert.Equal(t, "a-msg-044", st.HighWaterMark)
	assert.Zero(t, st.ErrorCount)
	assert.True(t, st.PollingActive)

	saved, err := h.store.GetSyncState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a-msg-044", saved.HighWaterMark)
	assert.False(t, saved.LastSyncAt.IsZero())
}

func TestPollAnnouncesOnlyNovelMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(5)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)

	sub := h.bus.Subscribe("a", events.NewMessages{})
	defer sub.Close()

	// Remote flips a flag and rewrites a subject on a known message.
	changed := testutil.Message("a", 4)
	changed.IsRead = true
	changed.Subject = "rewritten"
	h.mbox.Add(changed, testutil.Message("a", 5), testutil.Message("a", 6))

	h.mgr.Refresh("a")

	ev := nextEvent(t, sub).(events.NewMessages)
	assert.Equal(t, 2, ev.Count)
	assert.ElementsMatch(t, []string{"a-msg-005", "a-msg-006"}, ev.IDs)

	got, err := h.store.GetByID(ctx, "a-msg-004")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, "subject 4", got.Subject)

	notes, err := h.store.GetUnreadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, 2, notes[0].Count)
	assert.Equal(t, "a", notes[0].AccountID)

	require.Eventually(t, func() bool {
		st, _ := h.mgr.State("a")
		return st.HighWaterMark == "a-msg-006"
	}, waitFor, tick)

	// Nothing new on the next poll.
	h.mgr.Refresh("a")
	require.Eventually(t, func() bool { return h.mbox.Calls("list") == 3 }, waitFor, tick)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineMutationReplaysOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(3)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)

	h.net.SetOnline(false)

	rec, err := h.store.Patch(ctx, "a-msg-001", model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, rec.IsRead)
	assert.Equal(t, model.SyncStatusPendingUpload, rec.SyncStatus)
	assert.Equal(t, 1, h.pending(t))

	// Ticks while offline leave the queue alone.
	h.mgr.Refresh("a")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.mbox.Calls("read"))
	assert.Equal(t, 1, h.pending(t))

	h.net.SetOnline(true)

	require.Eventually(t, func() bool { return h.pending(t) == 0 }, waitFor, tick)
	assert.Equal(t, 1, h.mbox.Calls("read"))

	remoteCopy, ok := h.mbox.Message("a-msg-001")
	require.True(t, ok)
	assert.True(t, remoteCopy.IsRead)

	local, err := h.store.GetByID(ctx, "a-msg-001")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, local.SyncStatus)
	assert.True(t, local.IsRead)

	h.mgr.Refresh("a")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.mbox.Calls("read"))
}

func TestDrainKeepsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(4)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)
	h.net.SetOnline(false)

	_, err := h.store.Patch(ctx, "a-msg-001", model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)
	_, err = h.store.Patch(ctx, "a-msg-002", model.MessagePatch{IsStarred: boolPtr(true)})
	require.NoError(t, err)
	require.NoError(t, h.store.Delete(ctx, "a-msg-003"))

	h.mbox.FailNext("starred", &remote.TransientError{Err: errors.New("upstream 503")})
	h.net.SetOnline(true)

	require.Eventually(t, func() bool { return h.mbox.Calls("starred") == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.mbox.Calls("list") == 2 }, waitFor, tick)
	assert.Equal(t, []string{"read a-msg-001"}, h.mbox.Applied())
	assert.Equal(t, 2, h.pending(t))

	// The poll after the failed drain must not resurrect the deleted message.
	_, err = h.store.GetByID(ctx, "a-msg-003")
	assert.True(t, store.IsNotFound(err))

	entries, err := h.store.DrainMutations(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.MutationMarkStarred, entries[0].Kind)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Contains(t, entries[0].LastError, "upstream 503")

	h.mgr.Refresh("a")

	require.Eventually(t, func() bool { return h.pending(t) == 0 }, waitFor, tick)
	assert.Equal(t, []string{
		"read a-msg-001",
		"starred a-msg-002",
		"delete a-msg-003",
	}, h.mbox.Applied())
}

func TestRejectedReplayMarksConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(2)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)

	sub := h.bus.Subscribe("a", events.SyncError{})
	defer sub.Close()

	h.mbox.FailNext("read", &remote.StatusError{Code: 403, Message: "forbidden"})
	_, err := h.store.Patch(ctx, "a-msg-001", model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)
	h.mgr.Refresh("a")

	ev := nextEvent(t, sub).(events.SyncError)
	assert.Equal(t, model.ErrorKindRemoteRejected, ev.Kind)

	rec, err := h.store.GetByID(ctx, "a-msg-001")
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusConflict, rec.SyncStatus)

	// The rejected head is not sent again by the same worker.
	h.mgr.Refresh("a")
	require.Eventually(t, func() bool { return h.mbox.Calls("list") == 3 }, waitFor, tick)
	assert.Equal(t, 1, h.mbox.Calls("read"))
	assert.Equal(t, 1, h.pending(t))
}

func TestErrorCeilingStopsAccount(t *testing.T) {
	cfg := qsync.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.MaxConsecutiveErrors = 3

	h := newHarness(t, cfg)
	h.seed(2)
	h.net.SetOnline(true)

	for i := 0; i < 3; i++ {
		h.mbox.FailNext("list", &remote.TransientError{Err: fmt.Errorf("attempt %d", i)})
	}

	sub := h.bus.Subscribe("a", events.SyncError{}, events.AccountStopped{})
	defer sub.Close()

	h.start(t)

	for i := 0; i < 3; i++ {
		ev := nextEvent(t, sub).(events.SyncError)
		assert.Equal(t, model.ErrorKindRemoteTransient, ev.Kind)
	}
	stopped := nextEvent(t, sub).(events.AccountStopped)
	assert.Equal(t, "a", stopped.AccountID)

	st := h.waitPhase(t, model.PhaseStopped)
	assert.False(t, st.PollingActive)
	assert.Equal(t, 3, st.ErrorCount)
	assert.Equal(t, 3, h.mbox.Calls("list"))

	saved, err := h.store.GetSyncState(context.Background(), "a")
	require.NoError(t, err)
	assert.Empty(t, saved.HighWaterMark)

	require.NoError(t, h.mgr.Restart("a"))
	st = h.waitPhase(t, model.PhasePolling)
	assert.Zero(t, st.ErrorCount)
	assert.Equal(t, "a-msg-001", st.HighWaterMark)
}

func TestNetworkFailureIsNotReported(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.seed(2)
	h.net.SetOnline(true)
	h.mbox.FailNext("list", fmt.Errorf("dialing: %w", remote.ErrNetworkUnavailable))

	sub := h.bus.Subscribe("a", events.SyncError{})
	defer sub.Close()

	h.start(t)

	h.waitPhase(t, model.PhaseErrorBackoff)
	require.Eventually(t, func() bool { return !h.net.Online() }, waitFor, tick)

	h.net.SetOnline(true)
	st := h.waitPhase(t, model.PhasePolling)
	assert.Equal(t, "a-msg-001", st.HighWaterMark)

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestStopDiscardsInFlightFetch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(3)
	h.mbox.Entered = make(chan struct{})
	h.mbox.Block = make(chan struct{})
	h.net.SetOnline(true)

	h.start(t)

	select {
	case <-h.mbox.Entered:
	case <-time.After(waitFor):
		t.Fatal("fetch never started")
	}

	require.NoError(t, h.mgr.Stop("a"))
	close(h.mbox.Block)
	h.mgr.Close()

	recs, err := h.store.GetByFolder(ctx, "a", model.FolderInbox, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	st, ok := h.mgr.State("a")
	require.True(t, ok)
	assert.Equal(t, model.PhaseStopped, st.Phase)
	assert.Empty(t, st.HighWaterMark)
}

func TestRemoveForgetsAccount(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.seed(2)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)

	require.NoError(t, h.mgr.Remove("a"))
	_, ok := h.mgr.State("a")
	assert.False(t, ok)
	assert.ErrorIs(t, h.mgr.Remove("a"), qsync.ErrUnknownAccount)
	h.mgr.Refresh("a")

	require.NoError(t, h.mgr.Register(qsync.Account{ID: "a", Mailbox: h.mbox}))
	h.waitPhase(t, model.PhasePolling)
}

func TestRegisterValidates(t *testing.T) {
	h := newHarness(t, slowConfig())

	require.Error(t, h.mgr.Register(qsync.Account{ID: "a"}))
	require.NoError(t, h.mgr.Register(qsync.Account{ID: "a", Mailbox: h.mbox}))
	assert.ErrorIs(t, h.mgr.Register(qsync.Account{ID: "a", Mailbox: h.mbox}), qsync.ErrAccountExists)
	assert.ErrorIs(t, h.mgr.Restart("a"), qsync.ErrNotStarted)

	st, ok := h.mgr.State("a")
	require.True(t, ok)
	assert.Equal(t, model.PhaseIdle, st.Phase)
}

func TestSummariesAreFetchedInFull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.mbox.Summaries = true
	h.seed(2)
	h.mbox.Add(testutil.EncryptedMessage("a", 2, 2))
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)

	assert.Equal(t, 3, h.mbox.Calls("get"))

	ids, err := h.store.PendingDownloads(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	plain, err := h.store.GetByID(ctx, "a-msg-001")
	require.NoError(t, err)
	assert.Equal(t, "body 1", plain.Body)
	assert.Equal(t, model.SyncStatusSynced, plain.SyncStatus)

	sealed, err := h.store.GetByID(ctx, "a-msg-002")
	require.NoError(t, err)
	assert.Equal(t, []byte("cipher-2"), sealed.Ciphertext)
	assert.Equal(t, "flow-2", sealed.KeyRef)
	assert.Equal(t, model.SyncStatusSynced, sealed.SyncStatus)
	assert.True(t, sealed.Encrypted())
}

func TestRefusedDetailIsRetriedLater(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.mbox.Summaries = true
	h.seed(3)
	h.mbox.FailNext("get", &remote.StatusError{Code: 404})
	h.net.SetOnline(true)

	h.start(t)
	st := h.waitPhase(t, model.PhasePolling)
	assert.Zero(t, st.ErrorCount)

	ids, err := h.store.PendingDownloads(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-msg-002"}, ids)

	h.mgr.Refresh("a")
	require.Eventually(t, func() bool {
		ids, err := h.store.PendingDownloads(ctx, "a", 0)
		return err == nil && len(ids) == 0
	}, waitFor, tick)

	rec, err := h.store.GetByID(ctx, "a-msg-002")
	require.NoError(t, err)
	assert.Equal(t, "body 2", rec.Body)
}

func TestDetailFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.mbox.Summaries = true
	h.seed(2)
	h.mbox.FailNext("get", &remote.TransientError{Err: errors.New("upstream 503")})
	h.net.SetOnline(true)

	sub := h.bus.Subscribe("a", events.SyncError{})
	defer sub.Close()

	h.start(t)

	ev := nextEvent(t, sub).(events.SyncError)
	assert.Equal(t, model.ErrorKindRemoteTransient, ev.Kind)
	st := h.waitPhase(t, model.PhaseErrorBackoff)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, "a-msg-001", st.HighWaterMark, "the listing itself was stored")

	ids, err := h.store.PendingDownloads(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	h.mgr.Refresh("a")
	h.waitPhase(t, model.PhasePolling)

	ids, err = h.store.PendingDownloads(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReconnectRestartsFailedAccountWithQueue(t *testing.T) {
	ctx := context.Background()
	cfg := qsync.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.MaxConsecutiveErrors = 2

	h := newHarness(t, cfg)
	h.seed(2)
	require.NoError(t, h.store.Upsert(ctx, testutil.Message("a", 1)))
	h.net.SetOnline(true)

	h.mbox.FailNext("list",
		&remote.TransientError{Err: errors.New("first")},
		&remote.TransientError{Err: errors.New("second")},
	)

	h.start(t)
	h.waitPhase(t, model.PhaseStopped)

	_, err := h.store.Patch(ctx, "a-msg-001", model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.pending(t))

	h.net.SetOnline(false)
	h.net.SetOnline(true)

	require.Eventually(t, func() bool { return h.pending(t) == 0 }, waitFor, tick)
	assert.Equal(t, []string{"read a-msg-001"}, h.mbox.Applied())
	h.waitPhase(t, model.PhasePolling)
}

func TestReconnectReplaysQueueOfStoppedAccount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, slowConfig())
	h.seed(2)
	h.net.SetOnline(true)

	h.start(t)
	h.waitPhase(t, model.PhasePolling)
	require.NoError(t, h.mgr.Stop("a"))
	h.waitPhase(t, model.PhaseStopped)

	h.net.SetOnline(false)
	_, err := h.store.Patch(ctx, "a-msg-000", model.MessagePatch{IsStarred: boolPtr(true)})
	require.NoError(t, err)

	h.net.SetOnline(true)

	require.Eventually(t, func() bool { return h.pending(t) == 0 }, waitFor, tick)
	assert.Equal(t, []string{"starred a-msg-000"}, h.mbox.Applied())

	st, ok := h.mgr.State("a")
	require.True(t, ok)
	assert.Equal(t, model.PhaseStopped, st.Phase)
	assert.False(t, st.PollingActive)
	assert.Equal(t, 1, h.mbox.Calls("list"))
}

// corruptStore fails every upsert as if the database file were damaged.
type corruptStore struct {
	store.Store
}

func (corruptStore) Upsert(context.Context, ...model.MessageRecord) error {
	return fmt.Errorf("upserting messages: %w", store.ErrCorrupt)
}

func TestCorruptionStopsAccount(t *testing.T) {
	h := newHarness(t, slowConfig())
	h.seed(2)
	h.net.SetOnline(true)

	mgr := qsync.NewManager(corruptStore{Store: h.store}, h.net, h.bus, slowConfig())
	t.Cleanup(mgr.Close)

	sub := h.bus.Subscribe("a", events.SyncError{}, events.AccountStopped{})
	defer sub.Close()

	require.NoError(t, mgr.Register(qsync.Account{ID: "a", Mailbox: h.mbox}))
	require.NoError(t, mgr.Start(context.Background()))

	ev := nextEvent(t, sub).(events.SyncError)
	assert.Equal(t, model.ErrorKindStorageCorruption, ev.Kind)
	assert.True(t, store.IsCorrupt(ev.Err))

	stopped := nextEvent(t, sub).(events.AccountStopped)
	assert.Equal(t, "a", stopped.AccountID)

	require.Eventually(t, func() bool {
		st, ok := mgr.State("a")
		return ok && st.Phase == model.PhaseStopped
	}, waitFor, tick)

	// Connectivity coming back does not restart a corrupt account.
	h.net.SetOnline(false)
	h.net.SetOnline(true)
	time.Sleep(50 * time.Millisecond)

	st, _ := mgr.State("a")
	assert.Equal(t, model.PhaseStopped, st.Phase)
	assert.Equal(t, 1, h.mbox.Calls("list"))
}

func boolPtr(b bool) *bool { return &b }
