package remote

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nhle/qmail/internal/model"
)

var (
	_ KeyPool = (*Client)(nil)
	_ Crypto  = (*Client)(nil)
	_ Sender  = (*Client)(nil)
	_ Prober  = (*Client)(nil)
)

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodGet, path: "/api/health"}, nil)
}

// KeyStatus returns the number of keys available between the configured peers.
func (c *Client) KeyStatus(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("master_sae_id", c.masterSAE)
	q.Set("slave_sae_id", c.slaveSAE)

	var resp keyStatusResponse
	err := c.do(ctx, request{
		method:     http.MethodGet,
		path:       "/api/qkd/keys/status?" + q.Encode(),
		idempotent: true,
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("reading key status: %w", err)
	}
	return resp.Available, nil
}

// RequestKeys asks the key pool for count keys. Grants may be partial.
func (c *Client) RequestKeys(ctx context.Context, count int) (int, error) {
	var resp keyRequestResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/qkd/keys/request",
		body: keyRequest{
			MasterSAEID: c.masterSAE,
			SlaveSAEID:  c.slaveSAE,
			Count:       count,
		},
	}, &resp)
	if err != nil {
		return 0, fmt.Errorf("requesting %d keys: %w", count, err)
	}
	return resp.Granted, nil
}

// Encrypt seals payload at the given tier.
func (c *Client) Encrypt(ctx context.Context, tier model.Tier, payload []byte) (*Sealed, error) {
	var resp encryptResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/crypto/encrypt",
		body:   encryptRequest{SecurityLevel: int(tier), Payload: payload},
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("encrypting at tier %d: %w", tier, err)
	}
	return &Sealed{Ciphertext: resp.Ciphertext, FlowID: resp.FlowID}, nil
}

// Decrypt opens a message, consuming its key resource.
func (c *Client) Decrypt(ctx context.Context, messageID string) (*Opened, error) {
	var resp decryptResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   messagePath(messageID) + "/decrypt",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("decrypting message %s: %w", messageID, err)
	}
	return &Opened{
		Plaintext: []byte(resp.Plaintext),
		Tier:      model.Tier(resp.SecurityLevel),
		FlowID:    resp.FlowID,
	}, nil
}

// VerifyCode checks a second-factor code.
func (c *Client) VerifyCode(ctx context.Context, messageID, code string) (bool, error) {
	var resp verifyResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/mail/otp/verify",
		body:   verifyRequest{MessageID: messageID, Code: code},
	}, &resp)
	if err != nil {
		return false, fmt.Errorf("verifying code for %s: %w", messageID, err)
	}
	return resp.Verified, nil
}

// Send submits a message. The idempotency key lets the caller retry.
func (c *Client) Send(ctx context.Context, sub Submission) (*Receipt, error) {
	body := string(sub.Body)
	if sub.Encoding == EncodingCiphertext {
		body = base64.StdEncoding.EncodeToString(sub.Body)
	}

	var resp sendResponse
	err := c.once(ctx, request{
		method: http.MethodPost,
		path:   "/api/mail/send",
		body: sendRequest{
			To:             sub.To,
			Subject:        sub.Subject,
			Body:           body,
			SecurityLevel:  int(sub.Tier),
			FlowID:         sub.FlowID,
			CiphertextSize: sub.CiphertextSize,
			Encoding:       sub.Encoding,
			Attachments:    sub.Attachments,
		},
		idempotencyKey: sub.IdempotencyKey,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("submitting message: %w", err)
	}

	return &Receipt{
		MessageID: resp.MessageID,
		Tier:      model.Tier(resp.SecurityLevel),
		FlowID:    resp.FlowID,
	}, nil
}
