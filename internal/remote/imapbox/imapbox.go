// Package imapbox implements remote.Mailbox on top of an IMAP server.
package imapbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
)

// Config holds the connection settings of one IMAP account.
type Config struct {
	AccountID string
	Host      string
	Port      string
	Username  string
	Password  string
	TLS       bool

	// Mailboxes maps folder names to IMAP mailbox names. Missing entries
	// fall back to DefaultMailboxes.
	Mailboxes map[string]string
}

// DefaultMailboxes is the folder mapping used by most servers.
var DefaultMailboxes = map[string]string{
	model.FolderInbox: "INBOX",
	model.FolderSent:  "Sent",
	model.FolderTrash: "Trash",
}

// Mailbox talks to the IMAP server, opening a fresh session per call.
type Mailbox struct {
	cfg Config
}

var _ remote.Mailbox = (*Mailbox)(nil)

// New creates an IMAP-backed mailbox.
func New(cfg Config) *Mailbox {
	return &Mailbox{cfg: cfg}
}

func (m *Mailbox) mailboxFor(folder string) string {
	if name, ok := m.cfg.Mailboxes[folder]; ok {
		return name
	}
	if name, ok := DefaultMailboxes[folder]; ok {
		return name
	}
	return folder
}

func (m *Mailbox) folderFor(mailbox string) string {
	for folder := range DefaultMailboxes {
		if m.mailboxFor(folder) == mailbox {
			return folder
		}
	}
	return mailbox
}

// connect establishes an authenticated session. The caller must log out.
func (m *Mailbox) connect(ctx context.Context) (*imapclient.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, m.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if m.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: connecting to IMAP %s: %v", remote.ErrNetworkUnavailable, addr, err)
	}

	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &remote.AuthError{
			Message: fmt.Sprintf("IMAP login failed for %s: %v", m.cfg.Username, err),
		}
	}

	return client, nil
}

// session connects, selects the mailbox and runs fn.
func (m *Mailbox) session(ctx context.Context, mailbox string, fn func(*imapclient.Client) error) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return classify(fmt.Errorf("selecting %s: %w", mailbox, err))
	}

	return classify(fn(client))
}

// classify marks NO/BAD server responses as rejections. Anything else,
// such as a dropped connection, stays transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &remote.RejectedError{Err: err}
	}
	return err
}

// ListFolder returns envelope summaries of the newest messages.
func (m *Mailbox) ListFolder(ctx context.Context, folder string, limit, offset int) (*remote.Page, error) {
	mailbox := m.mailboxFor(folder)
	page := &remote.Page{}

	err := m.session(ctx, mailbox, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", mailbox, err)
		}

		uids := data.AllUIDs()
		page.Total = len(uids)

		uids = pageUIDs(uids, limit, offset)
		if len(uids) == 0 {
			return nil
		}

		fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			UID:          true,
			InternalDate: true,
		})
		defer fetchCmd.Close()

		bufs, err := collectAll(func() collector {
			if msg := fetchCmd.Next(); msg != nil {
				return msg
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("listing %s: %w", mailbox, err)
		}

		for _, buf := range bufs {
			rec := m.recordFromBuffer(folder, mailbox, buf)
			rec.SyncStatus = model.SyncStatusPendingDownload
			page.Messages = append(page.Messages, rec)
		}

		return fetchCmd.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("listing folder %s: %w", folder, err)
	}

	sort.SliceStable(page.Messages, func(i, j int) bool {
		return page.Messages[i].Timestamp.After(page.Messages[j].Timestamp)
	})

	return page, nil
}

type collector interface {
	Collect() (*imapclient.FetchMessageBuffer, error)
}

// collectAll reads every message of a fetch. One unreadable message fails
// the whole page so the sync cursor never moves past it.
func collectAll(next func() collector) ([]*imapclient.FetchMessageBuffer, error) {
	var bufs []*imapclient.FetchMessageBuffer
	for i := 1; ; i++ {
		msg := next()
		if msg == nil {
			return bufs, nil
		}

		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("reading fetched message %d: %w", i, err)
		}
		bufs = append(bufs, buf)
	}
}

// GetMessage fetches and parses the full message.
func (m *Mailbox) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	ref, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var rec *model.MessageRecord

	err = m.session(ctx, ref.mailbox, func(client *imapclient.Client) error {
		bodySection := &imap.FetchItemBodySection{Peek: true}

		fetchCmd := client.Fetch(imap.UIDSetNum(ref.uid), &imap.FetchOptions{
			Envelope:     true,
			Flags:        true,
			UID:          true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{bodySection},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			return fmt.Errorf("message %s: %w", id, remote.ErrNotFound)
		}

		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message %s: %w", id, err)
		}

		r := m.recordFromBuffer(m.folderFor(ref.mailbox), ref.mailbox, buf)
		if raw := buf.FindBodySection(bodySection); raw != nil {
			text, html := parseMIMEBody(raw)
			r.Body = text
			if r.Body == "" {
				r.Body = html
			}
		}
		rec = &r

		return fetchCmd.Close()
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// MarkRead sets or clears \Seen.
func (m *Mailbox) MarkRead(ctx context.Context, id string, read bool) error {
	return m.setFlag(ctx, id, imap.FlagSeen, read)
}

// MarkStarred sets or clears \Flagged.
func (m *Mailbox) MarkStarred(ctx context.Context, id string, starred bool) error {
	return m.setFlag(ctx, id, imap.FlagFlagged, starred)
}

func (m *Mailbox) setFlag(ctx context.Context, id string, flag imap.Flag, set bool) error {
	ref, err := parseID(id)
	if err != nil {
		return err
	}

	op := imap.StoreFlagsAdd
	if !set {
		op = imap.StoreFlagsDel
	}

	return m.session(ctx, ref.mailbox, func(client *imapclient.Client) error {
		storeCmd := client.Store(imap.UIDSetNum(ref.uid), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  []imap.Flag{flag},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("storing %s on %s: %w", flag, id, err)
		}
		return nil
	})
}

// Delete flags the message \Deleted and expunges it.
func (m *Mailbox) Delete(ctx context.Context, id string) error {
	ref, err := parseID(id)
	if err != nil {
		return err
	}

	return m.session(ctx, ref.mailbox, func(client *imapclient.Client) error {
		uidSet := imap.UIDSetNum(ref.uid)

		storeCmd := client.Store(uidSet, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("flagging %s deleted: %w", id, err)
		}

		// UID EXPUNGE needs UIDPLUS; fall back to a plain EXPUNGE.
		if err := client.UIDExpunge(uidSet).Close(); err != nil {
			if err := client.Expunge().Close(); err != nil {
				return fmt.Errorf("expunging %s: %w", id, err)
			}
		}
		return nil
	})
}

// MoveToTrash moves the message into the trash mailbox.
func (m *Mailbox) MoveToTrash(ctx context.Context, id string) error {
	ref, err := parseID(id)
	if err != nil {
		return err
	}

	trash := m.mailboxFor(model.FolderTrash)
	if ref.mailbox == trash {
		return nil
	}

	return m.session(ctx, ref.mailbox, func(client *imapclient.Client) error {
		if _, err := client.Move(imap.UIDSetNum(ref.uid), trash).Wait(); err != nil {
			return fmt.Errorf("moving %s to %s: %w", id, trash, err)
		}
		return nil
	})
}

// recordFromBuffer maps fetched envelope data onto a record.
func (m *Mailbox) recordFromBuffer(folder, mailbox string, buf *imapclient.FetchMessageBuffer) model.MessageRecord {
	rec := model.MessageRecord{
		ID:         formatID(m.cfg.AccountID, mailbox, buf.UID),
		AccountID:  m.cfg.AccountID,
		Folder:     folder,
		Timestamp:  buf.InternalDate.UTC(),
		SyncStatus: model.SyncStatusSynced,
	}
	rec.ThreadID = rec.ID

	if env := buf.Envelope; env != nil {
		rec.Subject = env.Subject
		if env.MessageID != "" {
			rec.ThreadID = env.MessageID
		}
		if len(env.InReplyTo) > 0 {
			rec.ThreadID = env.InReplyTo[0]
		}
		if !env.Date.IsZero() {
			rec.Timestamp = env.Date.UTC()
		}
		if len(env.From) > 0 {
			rec.FromAddr = env.From[0].Addr()
			rec.FromName = env.From[0].Name
		}
		if len(env.To) > 0 {
			rec.ToAddr = env.To[0].Addr()
			rec.ToName = env.To[0].Name
		}
	}

	rec.IsRead = slices.Contains(buf.Flags, imap.FlagSeen)
	rec.IsStarred = slices.Contains(buf.Flags, imap.FlagFlagged)

	return rec
}

// pageUIDs returns the newest-first slice of ascending uids selected by
// limit and offset.
func pageUIDs(uids []imap.UID, limit, offset int) []imap.UID {
	newest := slices.Clone(uids)
	slices.Reverse(newest)

	if offset >= len(newest) {
		return nil
	}
	newest = newest[offset:]
	if limit > 0 && len(newest) > limit {
		newest = newest[:limit]
	}
	return newest
}

type messageRef struct {
	account string
	mailbox string
	uid     imap.UID
}

// formatID builds "<account>/<mailbox>/<uid>". Mailbox names may contain
// slashes; account ids may not.
func formatID(account, mailbox string, uid imap.UID) string {
	return account + "/" + mailbox + "/" + strconv.FormatUint(uint64(uid), 10)
}

var errBadID = errors.New("imapbox: malformed message id")

func parseID(id string) (messageRef, error) {
	bad := &remote.RejectedError{Err: fmt.Errorf("%w: %q", errBadID, id)}

	first := strings.Index(id, "/")
	last := strings.LastIndex(id, "/")
	if first <= 0 || last <= first+1 || last == len(id)-1 {
		return messageRef{}, bad
	}

	uid, err := strconv.ParseUint(id[last+1:], 10, 32)
	if err != nil || uid == 0 {
		return messageRef{}, bad
	}

	return messageRef{
		account: id[:first],
		mailbox: id[first+1 : last],
		uid:     imap.UID(uid),
	}, nil
}
