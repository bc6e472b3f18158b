package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/store"
)

// errDiscarded reports a tick whose results were dropped because the
// worker was cancelled while the remote call was in flight.
var errDiscarded = errors.New("sync: worker cancelled, result discarded")

// worker runs the state machine of one account for one generation.
type worker struct {
	m   *Manager
	h   *handle
	gen uint64
	log *logrus.Entry

	initialized bool
	hwm         string
	lastSyncAt  time.Time
	errors      int

	// rejected holds queue entries the remote refused during this
	// generation. They block the queue until discarded or restarted.
	rejected map[string]bool
}

func newWorker(m *Manager, h *handle, gen uint64) *worker {
	return &worker{
		m:        m,
		h:        h,
		gen:      gen,
		log:      logrus.WithField("account", h.acct.ID),
		rejected: make(map[string]bool),
	}
}

func (w *worker) interval() time.Duration {
	if w.h.acct.PollInterval > 0 {
		return w.h.acct.PollInterval
	}
	return w.m.cfg.PollInterval
}

// backoff returns interval*2^(errors-1), capped. The cap never drops
// below the poll interval.
func (w *worker) backoff() time.Duration {
	d := w.interval()
	ceiling := max(w.m.cfg.MaxBackoff, d)
	for i := 1; i < w.errors && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

func (w *worker) next() time.Duration {
	if w.errors > 0 {
		return w.backoff()
	}
	return w.interval()
}

// run restores the checkpoint and ticks until the context ends or the
// account stops. The first tick happens immediately.
func (w *worker) run(ctx context.Context) {
	st, err := w.m.store.GetSyncState(ctx, w.h.acct.ID)
	switch {
	case err == nil:
		w.hwm = st.HighWaterMark
		w.lastSyncAt = st.LastSyncAt
		w.initialized = st.HighWaterMark != ""

	case store.IsCorrupt(err):
		w.fail(ctx, err)
		return

	case ctx.Err() != nil:
		return

	default:
		w.log.WithError(err).Warn("Failed to load sync checkpoint, starting fresh")
	}

	if w.initialized {
		w.setPhase(model.PhasePolling, "")
	} else {
		w.setPhase(model.PhaseInitialFetch, "")
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.h.nudge:
		}

		next, stop := w.tick(ctx)
		if stop {
			return
		}

		timer.Reset(next)
	}
}

// tick drains the mutation queue and then fetches. It reports the delay
// until the next tick, or stop when the worker must exit.
func (w *worker) tick(ctx context.Context) (time.Duration, bool) {
	w.h.tickMu.Lock()
	defer w.h.tickMu.Unlock()

	if ctx.Err() != nil {
		return 0, true
	}

	if !w.m.net.Online() {
		w.log.Debug("Offline, skipping tick")
		return w.next(), false
	}

	if err := w.drain(ctx); err != nil {
		switch {
		case store.IsCorrupt(err):
			w.fail(ctx, err)
			return 0, true

		case errors.Is(err, errDiscarded) || ctx.Err() != nil:
			return 0, true

		case remote.IsNetwork(err):
			w.m.net.ReportFailure(err)
			return w.next(), false
		}
	}

	phase := model.PhasePolling
	if !w.initialized {
		phase = model.PhaseInitialFetch
	}

	err := w.fetch(ctx)
	switch {
	case err == nil:
		w.m.metrics.RecordPoll(ctx, w.h.acct.ID, string(phase), "")
		w.errors = 0
		w.setPhase(model.PhasePolling, "")
		return w.interval(), false

	case errors.Is(err, errDiscarded) || ctx.Err() != nil:
		w.log.Debug("Dropping fetch result of a cancelled worker")
		return 0, true

	case store.IsCorrupt(err):
		w.fail(ctx, err)
		return 0, true
	}

	kind := remote.KindOf(err)
	w.m.metrics.RecordPoll(ctx, w.h.acct.ID, string(phase), string(kind))
	w.errors++

	if kind == model.ErrorKindNetworkUnavailable {
		w.log.WithError(err).Debug("Fetch failed, network unavailable")
		w.m.net.ReportFailure(err)
	} else {
		w.log.WithError(err).WithField("errors", w.errors).Warn("Fetch failed")
		w.m.bus.Publish(events.SyncError{AccountID: w.h.acct.ID, Kind: kind, Err: err})
	}

	w.checkpoint(ctx)

	if w.errors >= w.m.cfg.MaxConsecutiveErrors {
		w.syncCursor()
		reason := fmt.Sprintf("%d consecutive failures: %v", w.errors, err)
		w.log.WithField("errors", w.errors).Error("Stopping account sync")
		w.m.halt(w.h, w.gen, causeErrors, kind, reason)
		return 0, true
	}

	w.setPhase(model.PhaseErrorBackoff, err.Error())

	return w.backoff(), false
}

// fail halts the account on storage corruption.
func (w *worker) fail(ctx context.Context, err error) {
	w.log.WithError(err).Error("Local store is corrupt, stopping account sync")
	w.m.bus.Publish(events.SyncError{
		AccountID: w.h.acct.ID,
		Kind:      model.ErrorKindStorageCorruption,
		Err:       err,
	})
	w.m.halt(w.h, w.gen, causeCorruption, model.ErrorKindStorageCorruption, err.Error())
}

// commit runs fn unless the worker was cancelled or the account removed.
// Writes inside fn are not interrupted by a later cancellation.
func (w *worker) commit(ctx context.Context, fn func(ctx context.Context) error) error {
	w.h.commitMu.Lock()
	defer w.h.commitMu.Unlock()

	if ctx.Err() != nil || w.h.removed {
		return errDiscarded
	}

	return fn(context.WithoutCancel(ctx))
}

// checkpoint persists the cursor and error count.
func (w *worker) checkpoint(ctx context.Context) {
	err := w.commit(ctx, func(ctx context.Context) error {
		return w.m.store.SaveSyncState(ctx, w.cursor())
	})
	if err != nil && !errors.Is(err, errDiscarded) {
		w.log.WithError(err).Warn("Failed to save sync checkpoint")
	}
}

func (w *worker) cursor() model.AccountSyncState {
	return model.AccountSyncState{
		AccountID:     w.h.acct.ID,
		LastSyncAt:    w.lastSyncAt,
		HighWaterMark: w.hwm,
		ErrorCount:    w.errors,
	}
}

// syncCursor copies the worker's cursor into the shared state.
func (w *worker) syncCursor() {
	w.h.mu.Lock()
	defer w.h.mu.Unlock()

	if w.h.gen != w.gen {
		return
	}
	w.h.state.HighWaterMark = w.hwm
	w.h.state.LastSyncAt = w.lastSyncAt
	w.h.state.ErrorCount = w.errors
}

// setPhase updates the shared state and publishes phase changes.
func (w *worker) setPhase(phase model.SyncPhase, lastErr string) {
	w.h.mu.Lock()
	if w.h.gen != w.gen {
		w.h.mu.Unlock()
		return
	}

	changed := w.h.state.Phase != phase
	w.h.state.Phase = phase
	w.h.state.HighWaterMark = w.hwm
	w.h.state.LastSyncAt = w.lastSyncAt
	w.h.state.ErrorCount = w.errors
	w.h.state.LastError = lastErr
	snap := w.h.state
	w.h.mu.Unlock()

	if changed {
		w.log.WithField("phase", phase).Debug("Sync phase changed")
		w.m.bus.Publish(events.AccountStateChanged{AccountID: w.h.acct.ID, State: snap})
	}
}

// fetch runs InitialFetch or Poll. The remote call uses its own timeout
// rather than ctx, so a stopped worker lets it finish and then drops the
// result.
func (w *worker) fetch(ctx context.Context) error {
	size := w.m.cfg.PollPageSize
	if !w.initialized {
		size = w.m.cfg.InitialPageSize
	}

	rctx, cancel := context.WithTimeout(context.Background(), w.m.cfg.FetchTimeout)
	defer cancel()

	page, err := w.h.acct.Mailbox.ListFolder(rctx, w.m.cfg.Folder, size, 0)
	if ctx.Err() != nil {
		return errDiscarded
	}
	if err != nil {
		return fmt.Errorf("listing %s: %w", w.m.cfg.Folder, err)
	}
	w.m.net.ReportSuccess()

	records := make([]model.MessageRecord, 0, len(page.Messages))
	for _, r := range page.Messages {
		if r.ID == "" {
			continue
		}
		if r.AccountID == "" {
			r.AccountID = w.h.acct.ID
		}
		if r.Folder == "" {
			r.Folder = w.m.cfg.Folder
		}
		records = append(records, r)
	}

	ingest := w.ingestPoll
	if !w.initialized {
		ingest = w.ingestInitial
	}
	if err := ingest(ctx, records); err != nil {
		return err
	}

	return w.fetchDetails(ctx)
}

// fetchDetails fills in listing summaries with their full content. A
// message the remote refuses to return is skipped and retried on a later
// tick; other failures fail the tick after the fetched part is stored.
func (w *worker) fetchDetails(ctx context.Context) error {
	ids, err := w.m.store.PendingDownloads(ctx, w.h.acct.ID, w.m.cfg.InitialPageSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	var (
		fetched []model.MessageRecord
		failure error
	)
	for _, id := range ids {
		rctx, cancel := context.WithTimeout(context.Background(), w.m.cfg.FetchTimeout)
		rec, err := w.h.acct.Mailbox.GetMessage(rctx, id)
		cancel()

		if ctx.Err() != nil {
			return errDiscarded
		}
		if err != nil {
			if remote.IsRejected(err) {
				w.log.WithError(err).WithField("message", id).Warn("Skipping message detail")
				continue
			}
			failure = fmt.Errorf("fetching message %s: %w", id, err)
			break
		}

		rec.ID = id
		if rec.AccountID == "" {
			rec.AccountID = w.h.acct.ID
		}
		rec.SyncStatus = model.SyncStatusSynced
		fetched = append(fetched, *rec)
	}

	if len(fetched) > 0 {
		err := w.commit(ctx, func(ctx context.Context) error {
			return w.m.store.Upsert(ctx, fetched...)
		})
		if err != nil {
			return err
		}

		w.log.WithField("count", len(fetched)).Debug("Fetched message details")
	}

	return failure
}

func (w *worker) ingestInitial(ctx context.Context, records []model.MessageRecord) error {
	hwm := w.hwm
	if newest, ok := newestID(records); ok {
		hwm = newest
	}
	now := w.m.now()

	err := w.commit(ctx, func(ctx context.Context) error {
		if err := w.m.store.Upsert(ctx, records...); err != nil {
			return err
		}
		return w.m.store.SaveSyncState(ctx, model.AccountSyncState{
			AccountID:     w.h.acct.ID,
			LastSyncAt:    now,
			HighWaterMark: hwm,
		})
	})
	if err != nil {
		return err
	}

	w.hwm = hwm
	w.lastSyncAt = now
	w.initialized = true

	w.log.WithFields(logrus.Fields{
		"messages":        len(records),
		"high_water_mark": hwm,
	}).Info("Initial fetch complete")

	return nil
}

// ingestPoll merges the whole page, so mutable flags follow the remote,
// and announces only the ids the store did not hold before.
func (w *worker) ingestPoll(ctx context.Context, records []model.MessageRecord) error {
	var novel []model.MessageRecord

	hwm := w.hwm
	now := w.m.now()

	err := w.commit(ctx, func(ctx context.Context) error {
		existing, err := w.m.store.ExistingIDs(ctx, xslices.Map(records, func(r model.MessageRecord) string {
			return r.ID
		}))
		if err != nil {
			return err
		}

		if err := w.m.store.Upsert(ctx, records...); err != nil {
			return err
		}

		novel = xslices.Filter(records, func(r model.MessageRecord) bool { return !existing[r.ID] })
		if newest, ok := newestID(novel); ok {
			hwm = newest

			err := w.m.store.CreateNotification(ctx, model.Notification{
				AccountID: w.h.acct.ID,
				Count:     len(novel),
				Message:   newMessagesText(w.h.acct.ID, len(novel)),
			})
			if err != nil {
				return err
			}
		}

		return w.m.store.SaveSyncState(ctx, model.AccountSyncState{
			AccountID:     w.h.acct.ID,
			LastSyncAt:    now,
			HighWaterMark: hwm,
		})
	})
	if err != nil {
		return err
	}

	w.hwm = hwm
	w.lastSyncAt = now

	if len(novel) > 0 {
		ids := xslices.Map(novel, func(r model.MessageRecord) string { return r.ID })

		w.log.WithField("count", len(ids)).Info("New messages")
		w.m.metrics.RecordNewMessages(ctx, w.h.acct.ID, len(ids))
		w.m.bus.Publish(events.NewMessages{AccountID: w.h.acct.ID, Count: len(ids), IDs: ids})
	}

	return nil
}

func newestID(records []model.MessageRecord) (string, bool) {
	if len(records) == 0 {
		return "", false
	}

	newest := records[0]
	for _, r := range records[1:] {
		if r.Timestamp.After(newest.Timestamp) {
			newest = r
		}
	}

	return newest.ID, true
}

func newMessagesText(accountID string, n int) string {
	if n == 1 {
		return fmt.Sprintf("1 new message in %s", accountID)
	}
	return fmt.Sprintf("%d new messages in %s", n, accountID)
}
