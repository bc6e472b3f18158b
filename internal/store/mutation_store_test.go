package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/tests/testutil"
)

type rejection struct{}

func (rejection) Error() string  { return "remote rejected" }
func (rejection) Rejected() bool { return true }

func TestDrainMutations_FIFOPerAccount(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Upsert(ctx, testutil.Message("a", i), testutil.Message("b", i)))
	}
	for i := 1; i <= 3; i++ {
		_, err := s.Patch(ctx, testutil.Message("a", i).ID, model.MessagePatch{IsRead: boolPtr(true)})
		require.NoError(t, err)
		_, err = s.Patch(ctx, testutil.Message("b", i).ID, model.MessagePatch{IsRead: boolPtr(true)})
		require.NoError(t, err)
	}

	entries, err := s.DrainMutations(ctx, "a", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a-msg-001", entries[0].MessageID)
	assert.Equal(t, "a-msg-002", entries[1].MessageID)

	// Draining does not remove entries.
	again, err := s.DrainMutations(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, again[0].ID)

	accts, err := s.AccountsWithPendingMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, accts)
}

func TestCompleteMutation_ReturnsRecordToSynced(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.Message("acct", 1)
	require.NoError(t, s.Upsert(ctx, m))

	_, err := s.Patch(ctx, m.ID, model.MessagePatch{IsRead: boolPtr(true), IsStarred: boolPtr(true)})
	require.NoError(t, err)

	entries, err := s.DrainMutations(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.CompleteMutation(ctx, entries[0].ID))
	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPendingUpload, got.SyncStatus, "one entry still queued")

	require.NoError(t, s.CompleteMutation(ctx, entries[1].ID))
	got, err = s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, got.SyncStatus)

	n, err := s.PendingMutations(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompleteMutation_SummaryStillNeedsContent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.Message("acct", 1)
	m.Body = ""
	m.SyncStatus = model.SyncStatusPendingDownload
	require.NoError(t, s.Upsert(ctx, m))

	_, err := s.Patch(ctx, m.ID, model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)

	entries, err := s.DrainMutations(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, s.CompleteMutation(ctx, entries[0].ID))

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPendingDownload, got.SyncStatus)
	assert.True(t, got.IsRead)
}

func TestCompleteMutation_DeletedRecord(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.Message("acct", 1)
	require.NoError(t, s.Upsert(ctx, m))
	require.NoError(t, s.Delete(ctx, m.ID))

	entries, err := s.DrainMutations(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.CompleteMutation(ctx, entries[0].ID))
	accts, err := s.AccountsWithPendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, accts)
}

func TestCompleteMutation_Unknown(t *testing.T) {
	s := testutil.NewTestStore(t)

	err := s.CompleteMutation(context.Background(), "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestFailMutation_TransientKeepsEntry(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.Message("acct", 1)
	require.NoError(t, s.Upsert(ctx, m))
	_, err := s.Patch(ctx, m.ID, model.MessagePatch{IsRead: boolPtr(true)})
	require.NoError(t, err)

	entries, err := s.DrainMutations(ctx, "acct", 1)
	require.NoError(t, err)
	require.NoError(t, s.FailMutation(ctx, entries[0].ID, errors.New("timeout")))

	entries, err = s.DrainMutations(ctx, "acct", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, "timeout", entries[0].LastError)

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusPendingUpload, got.SyncStatus)
}

func TestFailMutation_RejectedMarksConflict(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.Message("acct", 1)
	require.NoError(t, s.Upsert(ctx, m))
	_, err := s.Patch(ctx, m.ID, model.MessagePatch{IsStarred: boolPtr(true)})
	require.NoError(t, err)

	entries, err := s.DrainMutations(ctx, "acct", 1)
	require.NoError(t, err)
	require.NoError(t, s.FailMutation(ctx, entries[0].ID, rejection{}))

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusConflict, got.SyncStatus)

	// Discarding the entry resolves the conflict locally.
	require.NoError(t, s.DiscardMutation(ctx, entries[0].ID))
	got, err = s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusSynced, got.SyncStatus)
}

func TestEnqueueMutation_RequiresIDs(t *testing.T) {
	s := testutil.NewTestStore(t)

	_, err := s.EnqueueMutation(context.Background(), model.MutationQueueEntry{Kind: model.MutationDelete})
	require.Error(t, err)
}

func TestEnqueueMutation_AssignsIDAndSeq(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t, store.WithClock(fixedClock()))

	e, err := s.EnqueueMutation(ctx, model.MutationQueueEntry{
		AccountID: "acct",
		Kind:      model.MutationDelete,
		MessageID: "remote-only",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Positive(t, e.Seq)
	assert.True(t, fixedClock()().Equal(e.EnqueuedAt))
	assert.JSONEq(t, "{}", string(e.Payload))
}
