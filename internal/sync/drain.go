package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/qmail/internal/events"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/store"
)

// errQueueBlocked reports a queue whose head entry was already refused by
// the remote in this generation.
var errQueueBlocked = errors.New("sync: mutation queue blocked by a rejected entry")

// drain replays the account's queue oldest first, one entry at a time,
// and stops at the first failure. The failed entry stays at the head and
// is retried on the next tick.
func (w *worker) drain(ctx context.Context) error {
	for {
		entries, err := w.m.store.DrainMutations(ctx, w.h.acct.ID, w.m.cfg.DrainBatch)
		if err != nil {
			return fmt.Errorf("reading mutation queue: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				return errDiscarded
			}
			if w.rejected[e.ID] {
				w.log.WithField("entry", e.ID).Debug("Mutation queue blocked by a rejected entry")
				return errQueueBlocked
			}

			if err := w.replay(e); err != nil && !errors.Is(err, remote.ErrNotFound) {
				return w.replayFailed(ctx, e, err)
			}

			// The remote already applied the change, so finish the
			// bookkeeping even if the worker was cancelled meanwhile.
			err := w.m.store.CompleteMutation(context.WithoutCancel(ctx), e.ID)
			if err != nil && !store.IsNotFound(err) {
				return err
			}

			w.m.metrics.RecordReplay(ctx, w.h.acct.ID, string(e.Kind))
			w.log.WithFields(logrus.Fields{
				"entry":   e.ID,
				"kind":    e.Kind,
				"message": e.MessageID,
			}).Debug("Replayed mutation")
		}

		if len(entries) < w.m.cfg.DrainBatch {
			return nil
		}
	}
}

// replay applies one entry remotely. Remote mutations are idempotent, so
// replaying an entry whose completion was lost is harmless.
func (w *worker) replay(e model.MutationQueueEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.m.cfg.FetchTimeout)
	defer cancel()

	mbox := w.h.acct.Mailbox

	switch e.Kind {
	case model.MutationMarkRead:
		v, err := e.FlagValue()
		if err != nil {
			return &remote.RejectedError{Err: fmt.Errorf("decoding %s payload: %w", e.Kind, err)}
		}
		return mbox.MarkRead(ctx, e.MessageID, v)

	case model.MutationMarkStarred:
		v, err := e.FlagValue()
		if err != nil {
			return &remote.RejectedError{Err: fmt.Errorf("decoding %s payload: %w", e.Kind, err)}
		}
		return mbox.MarkStarred(ctx, e.MessageID, v)

	case model.MutationDelete:
		return mbox.Delete(ctx, e.MessageID)

	case model.MutationMoveToTrash:
		return mbox.MoveToTrash(ctx, e.MessageID)

	default:
		return &remote.RejectedError{Err: fmt.Errorf("unknown mutation kind %q", e.Kind)}
	}
}

// replayFailed records the failed attempt. Rejections flag the record as
// conflicting and are reported; other failures are retried next tick.
func (w *worker) replayFailed(ctx context.Context, e model.MutationQueueEntry, cause error) error {
	log := w.log.WithFields(logrus.Fields{
		"entry":   e.ID,
		"kind":    e.Kind,
		"message": e.MessageID,
	})

	if err := w.m.store.FailMutation(context.WithoutCancel(ctx), e.ID, cause); err != nil {
		if store.IsCorrupt(err) {
			return err
		}
		log.WithError(err).Warn("Failed to record mutation failure")
	}

	switch kind := remote.KindOf(cause); kind {
	case model.ErrorKindNetworkUnavailable:
		log.WithError(cause).Debug("Replay deferred, network unavailable")

	case model.ErrorKindRemoteRejected:
		w.rejected[e.ID] = true
		log.WithError(cause).Warn("Remote rejected queued mutation")
		w.m.bus.Publish(events.SyncError{
			AccountID: w.h.acct.ID,
			Kind:      kind,
			Err:       fmt.Errorf("replaying %s of %s: %w", e.Kind, e.MessageID, cause),
		})

	default:
		log.WithError(cause).Info("Replay failed, will retry")
	}

	return cause
}
