// Package ses implements a Provider that forwards inbound messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/inbound-relay/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender is the verified SES identity forwards are sent from.
	Sender string

	// ForwardTo lists the addresses every inbound message is relayed to.
	ForwardTo []string
}

// SESProvider forwards inbound messages via the AWS SES v2 API.
type SESProvider struct {
	sender    string
	forwardTo []string
	client    SendEmailAPI
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.ForwardTo, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, forwardTo []string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:    sender,
		forwardTo: forwardTo,
		client:    client,
	}
}

// Send forwards an inbound message via AWS SES v2 as a raw MIME message, so
// that attachments and reply headers survive the relay.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message) error {
	if len(s.forwardTo) == 0 {
		return errors.New("no forward recipients configured")
	}

	raw, err := buildRawMessage(s.sender, s.forwardTo, msg)
	if err != nil {
		return fmt.Errorf("failed to build raw message: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.sender),
		Destination: &types.Destination{
			ToAddresses: s.forwardTo,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: raw,
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"message_id", msg.ID,
			)
			delay := backoffDelay(attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

// buildRawMessage renders the forward of msg. The original sender becomes the
// Reply-To and the original envelope is kept in X-Original-* headers.
func buildRawMessage(sender string, forwardTo []string, msg *email.Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: sender}})

	to := make([]*mail.Address, 0, len(forwardTo))
	for _, addr := range forwardTo {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(email.HeaderValue(msg.Subject))

	// Sender-controlled values must stay on one header line.
	from := email.HeaderValue(msg.From)
	if replyTo, err := mail.ParseAddress(from); err == nil {
		h.SetAddressList("Reply-To", []*mail.Address{replyTo})
	} else if from != "" {
		h.Set("Reply-To", from)
	}
	h.Set("X-Original-From", from)
	h.Set("X-Original-To", email.HeaderValue(msg.Email))
	h.Set("X-Inbound-Message-Id", msg.ID)
	if msg.SPFResult != "" {
		h.Set("X-Original-SPF", email.HeaderValue(msg.SPFResult))
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if err := writeBody(mw, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(email.HeaderValue(att.ContentType), nil)
		ah.SetFilename(email.HeaderValue(att.Filename))

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := io.Copy(w, att.Open()); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment part: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and HTML alternatives. A message with neither
// still gets an empty text part.
func writeBody(mw *mail.Writer, msg *email.Message) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}

	if msg.Text != "" || msg.HTML == "" {
		if err := writeInline(iw, "text/plain", msg.Text); err != nil {
			return err
		}
	}
	if msg.HTML != "" {
		if err := writeInline(iw, "text/html", msg.HTML); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close body part: %w", err)
	}
	return nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := iw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
