// Package dispatch sends outgoing messages at the highest encryption tier
// the key pool can support, downgrading when key material runs out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nhle/qmail/internal/model"
	"github.com/nhle/qmail/internal/remote"
	"github.com/nhle/qmail/internal/retry"
	"github.com/nhle/qmail/internal/store"
	"github.com/nhle/qmail/internal/telemetry"
)

var (
	// ErrInvalidDraft is returned before any remote call for drafts that
	// cannot be sent.
	ErrInvalidDraft = errors.New("dispatch: invalid draft")

	// ErrUnknownTier is returned for a tier missing from the table.
	ErrUnknownTier = errors.New("dispatch: unknown tier")
)

// Draft is an outgoing message.
type Draft struct {
	// ID makes retried submissions idempotent. One is generated when empty.
	ID string

	AccountID   string
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []remote.Attachment
}

// Result describes an accepted send.
type Result struct {
	MessageID string

	RequestedTier model.Tier
	ResolvedTier  model.Tier

	// DowngradeReason is set when ResolvedTier is below RequestedTier.
	DowngradeReason string

	KeyRef         string
	CiphertextSize int

	// Sent is the copy written to the sent folder.
	Sent *model.MessageRecord
}

// Downgraded reports whether the message went out below the requested tier.
func (r *Result) Downgraded() bool {
	return r.ResolvedTier < r.RequestedTier
}

// SendError is a failed send. Tier is the tier the send was attempted at.
type SendError struct {
	Tier model.Tier
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending at tier %d: %v", e.Tier, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Online reports connectivity. *netmon.Monitor implements it.
type Online interface {
	Online() bool
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Keys    remote.KeyPool
	Crypto  remote.Crypto
	Sender  remote.Sender
	Store   store.Store
	Network Online
}

// Config tunes a Pipeline.
type Config struct {
	Tiers          []Tier
	MinTier        model.Tier
	ReplenishCount int
	Retry          retry.Policy
}

// ConfigFrom converts the dispatch section of the application config.
func ConfigFrom(dc model.DispatchConfig, maxRetries int) Config {
	policy := retry.DefaultPolicy()
	if maxRetries > 0 {
		policy.MaxRetries = maxRetries
	}

	return Config{
		Tiers:          TiersFrom(dc.Tiers),
		MinTier:        model.Tier(dc.MinTier),
		ReplenishCount: dc.ReplenishCount,
		Retry:          policy,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records send metrics and spans.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces the time source used for sent copies.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline is the send path.
type Pipeline struct {
	keys    remote.KeyPool
	crypto  remote.Crypto
	sender  remote.Sender
	store   store.Store
	net     Online
	metrics *telemetry.Metrics

	tiers     []Tier
	minTier   model.Tier
	replenish int
	policy    retry.Policy
	now       func() time.Time
}

// New creates a pipeline.
func New(deps Deps, cfg Config, opts ...Option) *Pipeline {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.ReplenishCount <= 0 {
		cfg.ReplenishCount = 1
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry = retry.DefaultPolicy()
	}

	p := &Pipeline{
		keys:      deps.Keys,
		crypto:    deps.Crypto,
		sender:    deps.Sender,
		store:     deps.Store,
		net:       deps.Network,
		tiers:     cfg.Tiers,
		minTier:   cfg.MinTier,
		replenish: cfg.ReplenishCount,
		policy:    cfg.Retry,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Send resolves the tier, encrypts when the tier calls for it, submits the
// message and files the sent copy. It blocks until the backend answers.
// When the submission fails nothing is written locally.
func (p *Pipeline) Send(ctx context.Context, d Draft, requested model.Tier) (res *Result, err error) {
	start := time.Now()
	resolved := requested

	ctx, end := p.metrics.StartSpan(ctx, "qmail.dispatch.send",
		attribute.String("account", d.AccountID),
		attribute.Int("requested_tier", int(requested)),
	)
	defer func() {
		p.metrics.RecordSend(ctx, time.Since(start), int(requested), int(resolved), err)
		end(err)
	}()

	tier, ok := p.tier(requested)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, requested)
	}

	to, err := parseRecipients(d.To)
	if err != nil {
		return nil, err
	}

	if p.net != nil && !p.net.Online() {
		return nil, fmt.Errorf("sending: %w", remote.ErrNetworkUnavailable)
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	log := logrus.WithFields(logrus.Fields{
		"account": d.AccountID,
		"draft":   d.ID,
	})

	level, reason, err := p.resolveTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	resolved = level

	sub := remote.Submission{
		IdempotencyKey: d.ID,
		To:             d.To,
		Subject:        d.Subject,
		Tier:           resolved,
	}

	if resolved > model.TierNone {
		raw, err := buildMIME(d, to, "<"+d.ID+"@qmail>", p.now())
		if err != nil {
			return nil, err
		}

		sealed, err := p.crypto.Encrypt(ctx, resolved, raw)
		if err != nil {
			return nil, &SendError{Tier: resolved, Err: fmt.Errorf("encrypting: %w", err)}
		}

		sub.Body = sealed.Ciphertext
		sub.Encoding = remote.EncodingCiphertext
		sub.FlowID = sealed.FlowID
		sub.CiphertextSize = len(sealed.Ciphertext)
	} else {
		sub.Body = []byte(d.Body)
		sub.Encoding = remote.EncodingPlain
		sub.Attachments = d.Attachments
	}

	receipt, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) (*remote.Receipt, error) {
		return p.sender.Send(ctx, sub)
	})
	if err != nil {
		log.WithError(err).WithField("tier", resolved).Warn("Send failed")
		return nil, &SendError{Tier: resolved, Err: err}
	}

	keyRef := receipt.FlowID
	if keyRef == "" {
		keyRef = sub.FlowID
	}

	// The backend reports the tier it actually applied. Zero means it did
	// not say.
	if receipt.Tier > model.TierNone && receipt.Tier != resolved {
		log.WithFields(logrus.Fields{
			"submitted": resolved,
			"applied":   receipt.Tier,
		}).Warn("Backend applied a different tier")

		resolved = receipt.Tier
		if resolved < requested && reason == "" {
			reason = fmt.Sprintf("backend applied %s", p.tierName(resolved))
		}
	}

	res = &Result{
		MessageID:       receipt.MessageID,
		RequestedTier:   requested,
		ResolvedTier:    resolved,
		DowngradeReason: reason,
		KeyRef:          keyRef,
		CiphertextSize:  sub.CiphertextSize,
	}

	res.Sent = p.fileSent(ctx, d, res, to)

	log.WithFields(logrus.Fields{
		"message":   res.MessageID,
		"tier":      resolved,
		"requested": requested,
	}).Info("Message sent")

	return res, nil
}

// fileSent writes the sent copy. The message already left, so a local
// write failure is logged rather than failing the send.
func (p *Pipeline) fileSent(ctx context.Context, d Draft, res *Result, to []*mail.Address) *model.MessageRecord {
	if p.store == nil || res.MessageID == "" {
		return nil
	}

	rec := model.MessageRecord{
		ID:         res.MessageID,
		AccountID:  d.AccountID,
		Folder:     model.FolderSent,
		ThreadID:   res.MessageID,
		Subject:    d.Subject,
		FromAddr:   d.From,
		ToAddr:     strings.Join(d.To, ", "),
		Body:       d.Body,
		IsRead:     true,
		Tier:       res.ResolvedTier,
		KeyRef:     res.KeyRef,
		Timestamp:  p.now(),
		SyncStatus: model.SyncStatusSynced,
	}
	if len(to) == 1 {
		rec.ToAddr = to[0].Address
		rec.ToName = to[0].Name
	}

	if err := p.store.Upsert(ctx, rec); err != nil {
		logrus.WithError(err).WithField("message", rec.ID).Error("Failed to file sent copy")
		return nil
	}

	return &rec
}
