package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL+"/", "tok", WithAccount("acct"), WithRetryPolicy(fastRetry()), WithSAE("m", "s"))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListFolder_MapsSummariesAndAuth(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/mail/folders/inbox/messages", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total": 2,
			"messages": []map[string]interface{}{
				{"id": "m1", "subject": "hi", "timestamp": ts, "is_read": true},
				{"id": "m2", "subject": "enc", "timestamp": ts, "security_level": 2, "ciphertext": []byte("xx"), "flow_id": "f2"},
			},
		})
	})

	page, err := c.ListFolder(context.Background(), "inbox", 10, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 2, page.Total)

	m1 := page.Messages[0]
	assert.Equal(t, "acct", m1.AccountID)
	assert.Equal(t, model.FolderInbox, m1.Folder)
	assert.Equal(t, "m1", m1.ThreadID)
	assert.True(t, m1.IsRead)
	assert.Equal(t, model.SyncStatusPendingDownload, m1.SyncStatus)

	m2 := page.Messages[1]
	assert.Equal(t, model.Tier(2), m2.Tier)
	assert.Equal(t, "f2", m2.KeyRef)
	assert.Equal(t, []byte("xx"), m2.Ciphertext)
	assert.Equal(t, model.SyncStatusSynced, m2.SyncStatus)
}

func TestGetMessage_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "busy"})
			return
		}
		writeJSON(w, http.StatusOK, wireMessage{ID: "m1", Body: "hello"})
	})

	rec, err := c.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Body)
	assert.Equal(t, model.SyncStatusSynced, rec.SyncStatus)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		code int
		body errorResponse
		kind model.ErrorKind
		is   error
	}{
		{"not found", http.StatusNotFound, errorResponse{Error: "gone"}, model.ErrorKindRemoteRejected, ErrNotFound},
		{"bad request", http.StatusBadRequest, errorResponse{Error: "bad"}, model.ErrorKindRemoteRejected, nil},
		{"insufficient keys", http.StatusConflict, errorResponse{Code: "insufficient_keys"}, model.ErrorKindResourceExhausted, ErrResourceExhausted},
		{"server error", http.StatusInternalServerError, errorResponse{}, model.ErrorKindRemoteTransient, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.code, tt.body)
			})

			err := c.MarkRead(context.Background(), "m1", true)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.code, statusErr.Code)
		})
	}
}

func TestClient_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.Delete(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.True(t, IsRejected(err))
}

func TestClient_UnreachableIsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "tok", WithRetryPolicy(retry.Policy{MaxRetries: 0}))

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
	assert.Equal(t, model.ErrorKindNetworkUnavailable, KindOf(err))
}

func TestClient_RetryAfterIsRecorded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.once(context.Background(), request{method: http.MethodGet, path: "/api/health"}, nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 7*time.Second, statusErr.RetryAfter())
	assert.True(t, statusErr.Retryable())
}

func TestKeyPoolAndCrypto(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/qkd/keys/status":
			assert.Equal(t, "m", r.URL.Query().Get("master_sae_id"))
			assert.Equal(t, "s", r.URL.Query().Get("slave_sae_id"))
			writeJSON(w, http.StatusOK, keyStatusResponse{Available: 3})
		case "/api/qkd/keys/request":
			var req keyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeJSON(w, http.StatusOK, keyRequestResponse{Granted: req.Count - 1})
		case "/api/crypto/encrypt":
			var req encryptRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeJSON(w, http.StatusOK, encryptResponse{Ciphertext: append([]byte("c:"), req.Payload...), FlowID: "f1"})
		case "/api/mail/messages/m1/decrypt":
			writeJSON(w, http.StatusOK, decryptResponse{Plaintext: "secret", SecurityLevel: 1, FlowID: "f1"})
		case "/api/mail/otp/verify":
			var req verifyRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeJSON(w, http.StatusOK, verifyResponse{Verified: req.Code == "123456"})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	n, err := c.KeyStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	granted, err := c.RequestKeys(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 3, granted)

	sealed, err := c.Encrypt(ctx, 1, []byte("mime"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c:mime"), sealed.Ciphertext)
	assert.Equal(t, "f1", sealed.FlowID)

	opened, err := c.Decrypt(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), opened.Plaintext)
	assert.Equal(t, model.Tier(1), opened.Tier)

	ok, err := c.VerifyCode(ctx, "m1", "123456")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyCode(ctx, "m1", "000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSend_CarriesIdempotencyKeyAndDoesNotRetry(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "draft-1", r.Header.Get("Idempotency-Key"))

		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, EncodingCiphertext, req.Encoding)
		assert.Equal(t, "AQID", req.Body)
		assert.Equal(t, 2, req.SecurityLevel)

		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream"})
	})

	_, err := c.Send(context.Background(), Submission{
		IdempotencyKey: "draft-1",
		To:             []string{"bob@example.com"},
		Body:           []byte{1, 2, 3},
		Encoding:       EncodingCiphertext,
		Tier:           2,
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, retry.IsRetryable(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, model.ErrorKindNone, KindOf(nil))
	assert.Equal(t, model.ErrorKindRemoteTransient, KindOf(errors.New("?")))
	assert.Equal(t, model.ErrorKindRemoteTransient, KindOf(&TransientError{Err: errors.New("timeout")}))
	assert.Equal(t, model.ErrorKindResourceExhausted, KindOf(ErrResourceExhausted))
}
