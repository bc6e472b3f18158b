// Package remotetest provides in-memory implementations of the remote
// interfaces for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
)

// Mailbox is an in-memory remote.Mailbox. Errors can be injected per
// operation name ("list", "get", "read", "starred", "delete", "trash").
type Mailbox struct {
	mu       sync.Mutex
	messages map[string]model.MessageRecord
	errs     map[string][]error
	calls    map[string]int
	applied  []string

	// Entered, when non-nil, is sent to when a ListFolder call starts.
	Entered chan struct{}

	// Block, when non-nil, is received from before every ListFolder call.
	Block chan struct{}

	// Summaries makes ListFolder return entries without body or
	// ciphertext, leaving the content to GetMessage.
	Summaries bool
}

var _ remote.Mailbox = (*Mailbox)(nil)

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		messages: make(map[string]model.MessageRecord),
		errs:     make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Add stores messages remotely.
func (m *Mailbox) Add(recs ...model.MessageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range recs {
		m.messages[r.ID] = r
	}
}

// Message returns the remote copy of a message.
func (m *Mailbox) Message(id string) (model.MessageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.messages[id]
	return r, ok
}

// FailNext queues errors returned by the next calls of op, in order.
func (m *Mailbox) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errs[op] = append(m.errs[op], errs...)
}

// Calls returns how many times op was invoked.
func (m *Mailbox) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls[op]
}

// Applied returns the mutations applied so far as "op id" strings, in
// order.
func (m *Mailbox) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.applied...)
}

func (m *Mailbox) enter(op string) error {
	m.calls[op]++
	if q := m.errs[op]; len(q) > 0 {
		m.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Mailbox) ListFolder(ctx context.Context, folder string, limit, offset int) (*remote.Page, error) {
	if m.Entered != nil {
		select {
		case m.Entered <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("list"); err != nil {
		return nil, err
	}

	var out []model.MessageRecord
	for _, r := range m.messages {
		if r.Folder != folder {
			continue
		}
		if m.Summaries {
			r.Body = ""
			r.Ciphertext = nil
			r.SyncStatus = model.SyncStatusPendingDownload
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return &remote.Page{Messages: out, Total: total}, nil
}

func (m *Mailbox) GetMessage(_ context.Context, id string) (*model.MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("get"); err != nil {
		return nil, err
	}

	r, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("getting %s: %w", id, remote.ErrNotFound)
	}
	return &r, nil
}

func (m *Mailbox) MarkRead(_ context.Context, id string, read bool) error {
	return m.update("read", id, func(r *model.MessageRecord) { r.IsRead = read })
}

func (m *Mailbox) MarkStarred(_ context.Context, id string, starred bool) error {
	return m.update("starred", id, func(r *model.MessageRecord) { r.IsStarred = starred })
}

func (m *Mailbox) MoveToTrash(_ context.Context, id string) error {
	return m.update("trash", id, func(r *model.MessageRecord) { r.Folder = model.FolderTrash })
}

func (m *Mailbox) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter("delete"); err != nil {
		return err
	}
	if _, ok := m.messages[id]; !ok {
		return fmt.Errorf("deleting %s: %w", id, remote.ErrNotFound)
	}
	delete(m.messages, id)
	m.applied = append(m.applied, "delete "+id)
	return nil
}

func (m *Mailbox) update(op, id string, fn func(*model.MessageRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(op); err != nil {
		return err
	}
	r, ok := m.messages[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, id, remote.ErrNotFound)
	}
	fn(&r)
	m.messages[id] = r
	m.applied = append(m.applied, op+" "+id)
	return nil
}

// KeyPool is an in-memory remote.KeyPool.
type KeyPool struct {
	mu        sync.Mutex
	available int
	grant     int

	StatusErr  error
	RequestErr error

	requests int
}

var _ remote.KeyPool = (*KeyPool)(nil)

// NewKeyPool creates a pool with available keys that grants up to grant
// keys per request.
func NewKeyPool(available, grant int) *KeyPool {
	return &KeyPool{available: available, grant: grant}
}

func (p *KeyPool) KeyStatus(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.StatusErr != nil {
		return 0, p.StatusErr
	}
	return p.available, nil
}

func (p *KeyPool) RequestKeys(_ context.Context, count int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests++
	if p.RequestErr != nil {
		return 0, p.RequestErr
	}

	granted := min(count, p.grant)
	p.available += granted
	return granted, nil
}

// Consume removes one key, as an encryption would.
func (p *KeyPool) Consume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available > 0 {
		p.available--
	}
}

// Requests returns how many replenish requests were made.
func (p *KeyPool) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.requests
}

// Crypto is an in-memory remote.Crypto. Ciphertexts are the payload
// prefixed with the tier; decrypting a message returns the plaintext
// registered for it.
type Crypto struct {
	mu         sync.Mutex
	plaintexts map[string][]byte
	codes      map[string]string

	EncryptErr error
	DecryptErr error
	VerifyErr  error

	decrypts map[string]int
	verifies int
	flows    int
}

var _ remote.Crypto = (*Crypto)(nil)

// NewCrypto creates an empty encryption service.
func NewCrypto() *Crypto {
	return &Crypto{
		plaintexts: make(map[string][]byte),
		codes:      make(map[string]string),
		decrypts:   make(map[string]int),
	}
}

// SetPlaintext registers what Decrypt returns for a message.
func (c *Crypto) SetPlaintext(messageID string, plaintext []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plaintexts[messageID] = plaintext
}

// SetCode registers the valid second-factor code for a message.
func (c *Crypto) SetCode(messageID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.codes[messageID] = code
}

// Decrypts returns how many resource-consuming decryptions ran for a message.
func (c *Crypto) Decrypts(messageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.decrypts[messageID]
}

// Verifies returns how many codes were checked.
func (c *Crypto) Verifies() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.verifies
}

func (c *Crypto) Encrypt(_ context.Context, tier model.Tier, payload []byte) (*remote.Sealed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.EncryptErr != nil {
		return nil, c.EncryptErr
	}

	c.flows++
	return &remote.Sealed{
		Ciphertext: append([]byte(fmt.Sprintf("T%d:", tier)), payload...),
		FlowID:     fmt.Sprintf("flow-%d", c.flows),
	}, nil
}

func (c *Crypto) Decrypt(_ context.Context, messageID string) (*remote.Opened, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decrypts[messageID]++
	if c.DecryptErr != nil {
		return nil, c.DecryptErr
	}

	pt, ok := c.plaintexts[messageID]
	if !ok {
		return nil, fmt.Errorf("decrypting %s: %w", messageID, remote.ErrNotFound)
	}
	return &remote.Opened{Plaintext: pt, FlowID: "flow-" + messageID}, nil
}

func (c *Crypto) VerifyCode(_ context.Context, messageID, code string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verifies++
	if c.VerifyErr != nil {
		return false, c.VerifyErr
	}

	want, ok := c.codes[messageID]
	if !ok {
		want = c.codes["*"]
	}
	return want != "" && want == code, nil
}

// Sender is an in-memory remote.Sender.
type Sender struct {
	mu   sync.Mutex
	errs []error
	subs []remote.Submission
	n    int

	// AppliedTier, when non-zero, is reported back instead of the
	// submitted tier. FlowID likewise replaces the submitted flow id.
	AppliedTier model.Tier
	FlowID      string
}

var _ remote.Sender = (*Sender)(nil)

// FailNext queues errors returned by the next Send calls, in order.
func (s *Sender) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, errs...)
}

// Submissions returns every submission attempt, failed ones included.
func (s *Sender) Submissions() []remote.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]remote.Submission(nil), s.subs...)
}

func (s *Sender) Send(_ context.Context, sub remote.Submission) (*remote.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs = append(s.subs, sub)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}

	s.n++
	receipt := &remote.Receipt{
		MessageID: fmt.Sprintf("sent-%d", s.n),
		Tier:      sub.Tier,
		FlowID:    sub.FlowID,
	}
	if s.AppliedTier != model.TierNone {
		receipt.Tier = s.AppliedTier
	}
	if s.FlowID != "" {
		receipt.FlowID = s.FlowID
	}
	return receipt, nil
}

// Prober is a remote.Prober whose answer can be switched.
type Prober struct {
	mu  sync.Mutex
	err error
	n   int
}

var _ remote.Prober = (*Prober)(nil)

// SetErr sets the error returned by later pings; nil means reachable.
func (p *Prober) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.err = err
}

// Pings returns how many probes ran.
func (p *Prober) Pings() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.n
}

func (p *Prober) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.n++
	return p.err
}
