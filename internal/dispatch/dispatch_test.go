package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/qmail/internal/dispatch"
	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/remote/remotetest"
	"github.com/nhle/qmail/internal/retry"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/tests/testutil"
)

type online bool

func (o online) Online() bool { return bool(o) }

var sentAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	keys   *remotetest.KeyPool
	crypto *remotetest.Crypto
	sender *remotetest.Sender
	store  *store.SQLiteStore
}

func newPipeline(t *testing.T, keys *remotetest.KeyPool, net online, cfg dispatch.Config) (*dispatch.Pipeline, *harness) {
	t.Helper()

	h := &harness{
		keys:   keys,
		crypto: remotetest.NewCrypto(),
		sender: &remotetest.Sender{},
		store:  testutil.NewTestStore(t),
	}

	if cfg.Retry.Retryable == nil {
		cfg.Retry = retry.Policy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Retryable:      retry.IsRetryable,
		}
	}

	p := dispatch.New(dispatch.Deps{
		Keys:    h.keys,
		Crypto:  h.crypto,
		Sender:  h.sender,
		Store:   h.store,
		Network: net,
	}, cfg, dispatch.WithClock(func() time.Time { return sentAt }))

	return p, h
}

func draft() dispatch.Draft {
	return dispatch.Draft{
		ID:        "draft-1",
		AccountID: "acct",
		From:      "Alice <alice@example.com>",
		To:        []string{"bob@example.com"},
		Subject:   "hello",
		Body:      "secret body",
	}
}

func TestSend_KeyedTierWithKeysAvailable(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	res, err := p.Send(context.Background(), draft(), 2)
	require.NoError(t, err)

	assert.Equal(t, model.Tier(2), res.RequestedTier)
	assert.Equal(t, model.Tier(2), res.ResolvedTier)
	assert.False(t, res.Downgraded())
	assert.Empty(t, res.DowngradeReason)
	assert.Equal(t, "flow-1", res.KeyRef)
	assert.Zero(t, h.keys.Requests())

	subs := h.sender.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, remote.EncodingCiphertext, subs[0].Encoding)
	assert.Equal(t, model.Tier(2), subs[0].Tier)
	assert.Equal(t, len(subs[0].Body), res.CiphertextSize)
	assert.Contains(t, string(subs[0].Body), "T2:")
	assert.Contains(t, string(subs[0].Body), "Subject: hello")
	assert.Contains(t, string(subs[0].Body), "secret body")
	assert.Empty(t, subs[0].Attachments)
}

func TestSend_DowngradesWhenReplenishmentFails(t *testing.T) {
	keys := remotetest.NewKeyPool(0, 1)
	keys.RequestErr = remote.ErrResourceExhausted
	p, h := newPipeline(t, keys, true, dispatch.Config{})

	res, err := p.Send(context.Background(), draft(), 2)
	require.NoError(t, err)

	assert.True(t, res.Downgraded())
	assert.Equal(t, model.TierNone, res.ResolvedTier)
	assert.Contains(t, res.DowngradeReason, "quantum_otp")
	assert.Equal(t, 1, h.keys.Requests())

	subs := h.sender.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, remote.EncodingPlain, subs[0].Encoding)
	assert.Equal(t, "secret body", string(subs[0].Body))
}

func TestSend_DowngradesWhenNothingGranted(t *testing.T) {
	p, _ := newPipeline(t, remotetest.NewKeyPool(0, 0), true, dispatch.Config{})

	res, err := p.Send(context.Background(), draft(), 1)
	require.NoError(t, err)

	assert.Equal(t, model.TierNone, res.ResolvedTier)
	assert.Contains(t, res.DowngradeReason, "granted none")
}

func TestSend_PartialReplenishmentKeepsTier(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(0, 1), true, dispatch.Config{ReplenishCount: 5})

	res, err := p.Send(context.Background(), draft(), 2)
	require.NoError(t, err)

	assert.Equal(t, model.Tier(2), res.ResolvedTier)
	assert.False(t, res.Downgraded())
	assert.Equal(t, 1, h.keys.Requests())
}

func TestSend_NoAllowedLowerTier(t *testing.T) {
	keys := remotetest.NewKeyPool(0, 0)
	p, h := newPipeline(t, keys, true, dispatch.Config{MinTier: 1})

	_, err := p.Send(context.Background(), draft(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrResourceExhausted)
	assert.Empty(t, h.sender.Submissions())
}

func TestSend_SubmitFailureStoresNothing(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	rejected := &remote.StatusError{Method: "POST", Path: "/send", Code: 422}
	h.sender.FailNext(rejected)

	_, err := p.Send(context.Background(), draft(), 1)
	require.Error(t, err)

	var sendErr *dispatch.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, model.Tier(1), sendErr.Tier)
	assert.ErrorIs(t, err, rejected)

	sent, err := h.store.GetByFolder(context.Background(), "acct", model.FolderSent, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestSend_RetriesTransientFailureWithSameKey(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})
	h.sender.FailNext(&remote.TransientError{Err: errors.New("connection reset")})

	res, err := p.Send(context.Background(), draft(), 1)
	require.NoError(t, err)
	assert.Equal(t, "sent-1", res.MessageID)

	subs := h.sender.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, "draft-1", subs[0].IdempotencyKey)
	assert.Equal(t, subs[0].IdempotencyKey, subs[1].IdempotencyKey)
}

func TestSend_GeneratesIdempotencyKey(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	d := draft()
	d.ID = ""
	_, err := p.Send(context.Background(), d, 0)
	require.NoError(t, err)

	subs := h.sender.Submissions()
	require.Len(t, subs, 1)
	assert.NotEmpty(t, subs[0].IdempotencyKey)
}

func TestSend_OfflineFailsFast(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), false, dispatch.Config{})

	_, err := p.Send(context.Background(), draft(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrNetworkUnavailable)
	assert.Empty(t, h.sender.Submissions())
	assert.Zero(t, h.keys.Requests())
}

func TestSend_InvalidDraft(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	tests := []struct {
		name string
		to   []string
	}{
		{name: "no recipients", to: nil},
		{name: "malformed", to: []string{"not an address"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := draft()
			d.To = tt.to

			_, err := p.Send(context.Background(), d, 0)
			assert.ErrorIs(t, err, dispatch.ErrInvalidDraft)
		})
	}

	assert.Empty(t, h.sender.Submissions())
}

func TestSend_UnknownTier(t *testing.T) {
	p, _ := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	_, err := p.Send(context.Background(), draft(), 7)
	assert.ErrorIs(t, err, dispatch.ErrUnknownTier)
}

func TestSend_PlaintextCarriesAttachments(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(0, 0), true, dispatch.Config{})

	d := draft()
	d.Attachments = []remote.Attachment{{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hi")}}

	res, err := p.Send(context.Background(), d, 0)
	require.NoError(t, err)
	assert.Zero(t, res.CiphertextSize)
	assert.Zero(t, h.keys.Requests())

	subs := h.sender.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Attachments, 1)
	assert.Equal(t, "notes.txt", subs[0].Attachments[0].Filename)
}

func TestSend_EncryptedPayloadIncludesAttachments(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	d := draft()
	d.Attachments = []remote.Attachment{{Filename: "report.pdf", Data: []byte("%PDF")}}

	_, err := p.Send(context.Background(), d, 1)
	require.NoError(t, err)

	subs := h.sender.Submissions()
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Attachments)
	assert.Contains(t, string(subs[0].Body), "report.pdf")
}

func TestSend_FilesSentCopy(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})

	res, err := p.Send(context.Background(), draft(), 2)
	require.NoError(t, err)
	require.NotNil(t, res.Sent)

	got, err := h.store.GetByID(context.Background(), res.MessageID)
	require.NoError(t, err)

	assert.Equal(t, model.FolderSent, got.Folder)
	assert.Equal(t, "acct", got.AccountID)
	assert.Equal(t, "bob@example.com", got.ToAddr)
	assert.Equal(t, "secret body", got.Body)
	assert.Empty(t, got.Ciphertext)
	assert.True(t, got.IsRead)
	assert.Equal(t, model.Tier(2), got.Tier)
	assert.Equal(t, res.KeyRef, got.KeyRef)
	assert.Equal(t, model.SyncStatusSynced, got.SyncStatus)
	assert.True(t, got.Timestamp.Equal(sentAt))
}

func TestSend_ReportsTierAppliedByBackend(t *testing.T) {
	p, h := newPipeline(t, remotetest.NewKeyPool(3, 1), true, dispatch.Config{})
	h.sender.AppliedTier = 1
	h.sender.FlowID = "flow-srv"

	res, err := p.Send(context.Background(), draft(), 2)
	require.NoError(t, err)

	assert.Equal(t, model.Tier(2), h.sender.Submissions()[0].Tier)
	assert.Equal(t, model.Tier(2), res.RequestedTier)
	assert.Equal(t, model.Tier(1), res.ResolvedTier)
	assert.True(t, res.Downgraded())
	assert.Contains(t, res.DowngradeReason, "quantum_aes")
	assert.Equal(t, "flow-srv", res.KeyRef)

	got, err := h.store.GetByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.Tier(1), got.Tier)
	assert.Equal(t, "flow-srv", got.KeyRef)
}
