package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nhle/qmail/internal/model"
)

var _ Mailbox = (*Client)(nil)

// ListFolder fetches a page of a folder, newest first.
func (c *Client) ListFolder(ctx context.Context, folder string, limit, offset int) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var resp folderResponse
	err := c.do(ctx, request{
		method:     http.MethodGet,
		path:       "/api/mail/folders/" + url.PathEscape(folder) + "/messages?" + q.Encode(),
		idempotent: true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("listing folder %s: %w", folder, err)
	}

	page := &Page{
		Messages:   make([]model.MessageRecord, 0, len(resp.Messages)),
		Total:      resp.Total,
		NextCursor: resp.NextCursor,
	}
	for _, w := range resp.Messages {
		if w.Folder == "" {
			w.Folder = folder
		}
		page.Messages = append(page.Messages, w.toRecord(c.accountID, true))
	}

	return page, nil
}

// GetMessage fetches the full content of one message.
func (c *Client) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	var w wireMessage
	err := c.do(ctx, request{
		method:     http.MethodGet,
		path:       messagePath(id),
		idempotent: true,
	}, &w)
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	rec := w.toRecord(c.accountID, false)
	return &rec, nil
}

// MarkRead sets the read flag.
func (c *Client) MarkRead(ctx context.Context, id string, read bool) error {
	return c.flag(ctx, id, "/read", flagRequest{Read: &read})
}

// MarkStarred sets the starred flag.
func (c *Client) MarkStarred(ctx context.Context, id string, starred bool) error {
	return c.flag(ctx, id, "/starred", flagRequest{Starred: &starred})
}

func (c *Client) flag(ctx context.Context, id, suffix string, body flagRequest) error {
	err := c.do(ctx, request{
		method:     http.MethodPost,
		path:       messagePath(id) + suffix,
		body:       body,
		idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("updating %s on %s: %w", suffix[1:], id, err)
	}
	return nil
}

// Delete removes a message permanently.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, request{
		method:     http.MethodDelete,
		path:       messagePath(id),
		idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// MoveToTrash files a message into the trash folder.
func (c *Client) MoveToTrash(ctx context.Context, id string) error {
	err := c.do(ctx, request{
		method:     http.MethodPost,
		path:       messagePath(id) + "/trash",
		idempotent: true,
	}, nil)
	if err != nil {
		return fmt.Errorf("trashing message %s: %w", id, err)
	}
	return nil
}

func messagePath(id string) string {
	return "/api/mail/messages/" + url.PathEscape(id)
}
