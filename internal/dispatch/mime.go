package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/qmail/internal/remote"
)

// parseRecipients validates the recipient list.
func parseRecipients(to []string) ([]*mail.Address, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidDraft)
	}

	addrs, err := mail.ParseAddressList(strings.Join(to, ", "))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing recipients: %v", ErrInvalidDraft, err)
	}

	return addrs, nil
}

// buildMIME assembles the draft as an RFC 5322 message with the body as
// an inline text part and every attachment as its own part.
func buildMIME(d Draft, to []*mail.Address, messageID string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)
	h.SetMessageID(messageID)
	h.SetAddressList("To", to)

	if d.From != "" {
		from, err := mail.ParseAddress(d.From)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing sender: %v", ErrInvalidDraft, err)
		}
		h.SetAddressList("From", []*mail.Address{from})
	}

	var buf bytes.Buffer

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating inline part: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	pw, err := iw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(pw, d.Body); err != nil {
		return nil, fmt.Errorf("writing body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, a := range d.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}

	return buf.Bytes(), nil
}

func writeAttachment(mw *mail.Writer, a remote.Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(ct, nil)
	ah.SetFilename(a.Filename)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("creating attachment %s: %w", a.Filename, err)
	}
	if _, err := w.Write(a.Data); err != nil {
		return fmt.Errorf("writing attachment %s: %w", a.Filename, err)
	}

	return w.Close()
}
