package mandrill

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shineum/inbound-relay/internal/email"
)

// Normalizer turns webhook batches into email messages. It holds no per-call
// state and is safe for concurrent use.
type Normalizer struct {
	base    SPFPolicy
	tempDir string
	logger  *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithTempDir sets the directory for attachment files.
func WithTempDir(dir string) Option {
	return func(n *Normalizer) { n.tempDir = dir }
}

// WithLogger sets the logger used for skipped and failed events.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = l }
}

// WithBasePolicy replaces DefaultSPFPolicy as the policy that per-call
// overrides are merged over.
func WithBasePolicy(p SPFPolicy) Option {
	return func(n *Normalizer) { n.base = p }
}

// NewNormalizer creates a Normalizer with the default SPF policy.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		base:   DefaultSPFPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Batch is the result of normalizing one webhook request.
type Batch struct {
	// Messages holds one entry per inbound event that passed SPF validation
	// and normalized cleanly, in event order.
	Messages []*email.Message

	// Rejected counts events dropped by the SPF policy.
	Rejected int

	// Failures lists events that passed SPF but could not be normalized.
	Failures []*EventError
}

// Close releases the attachments of every message in the batch.
func (b *Batch) Close() error {
	var errs []error
	for _, msg := range b.Messages {
		if err := msg.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Normalize decodes the batch in params and normalizes every inbound event
// that passes the SPF policy formed by merging override over the base policy.
// A *DecodeError fails the whole batch; per-event failures are reported in
// Batch.Failures and do not stop the remaining events.
func (n *Normalizer) Normalize(params Params, override SPFOverride) (*Batch, error) {
	policy := n.base.Merge(override)

	events, err := params.Events()
	if err != nil {
		return nil, err
	}

	batch := &Batch{Messages: make([]*email.Message, 0, len(events))}
	for i, ev := range events {
		if !policy.Valid(ev.Msg) {
			batch.Rejected++
			n.logger.Debug("inbound event rejected by SPF policy",
				"event_index", i,
				"event_id", ev.ID,
				"spf_result", spfResult(ev.Msg),
			)
			continue
		}

		msg, err := n.buildMessage(ev)
		if err != nil {
			n.logger.Warn("failed to normalize inbound event",
				"event_index", i,
				"event_id", ev.ID,
				"error", err,
			)
			batch.Failures = append(batch.Failures, &EventError{Index: i, EventID: ev.ID, Err: err})
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}

	return batch, nil
}

func (n *Normalizer) buildMessage(ev Event) (*email.Message, error) {
	in := ev.Msg

	descs := make([]AttachmentDescriptor, 0, len(in.Attachments)+len(in.Images))
	descs = append(descs, in.Attachments...)
	for _, img := range in.Images {
		// Inline image content is always base64.
		img.Base64 = true
		descs = append(descs, img)
	}

	attachments, err := MaterializeAttachments(n.tempDir, descs)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize attachments: %w", err)
	}

	msg := &email.Message{
		ID:          email.UID(in.Email, in.RawMsg),
		To:          ResolveTo(in),
		Cc:          ResolveCc(in),
		Bcc:         ResolveBcc(in),
		Headers:     in.Headers,
		From:        email.FormatAddress(in.FromEmail, in.FromName),
		Subject:     in.Subject,
		Text:        stringOrEmpty(in.Text),
		HTML:        stringOrEmpty(in.HTML),
		RawBody:     in.RawMsg,
		Attachments: attachments,
		Email:       in.Email,
		ReceivedAt:  eventTime(ev.TS),
		SPFResult:   spfResult(in),
		Tags:        in.Tags,
	}
	if in.DKIM != nil {
		msg.Auth = email.AuthResults{DKIMSigned: in.DKIM.Signed, DKIMValid: in.DKIM.Valid}
	}
	if in.SpamReport != nil {
		msg.SpamScore = in.SpamReport.Score
	}
	return msg, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func spfResult(msg *InboundMessage) string {
	if msg.SPF == nil {
		return ""
	}
	return msg.SPF.Result
}

func eventTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
