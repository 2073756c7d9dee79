package ses

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/inbound-relay/internal/email"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

var forwardTo = []string{"ops@example.com"}

func testMessage() *email.Message {
	return &email.Message{
		ID:      "abc123",
		From:    "Alice <alice@example.org>",
		To:      []string{"Support <support@example.com>"},
		Subject: "Forward Test",
		Text:    "Hello, World!",
		Email:   "support@example.com",
	}
}

// parsedMessage is a forwarded message read back with the mail reader.
type parsedMessage struct {
	header      mail.Header
	text        string
	html        string
	attachments map[string]string
}

func parseRaw(t *testing.T, raw []byte) parsedMessage {
	t.Helper()

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to read raw message: %v", err)
	}

	out := parsedMessage{header: mr.Header, attachments: map[string]string{}}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read part: %v", err)
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			t.Fatalf("failed to read part body: %v", err)
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct == "text/html" {
				out.html = string(body)
			} else {
				out.text = string(body)
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			out.attachments[name] = string(body)
		}
	}
	return out
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("relay@example.com", forwardTo, &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_ForwardsRawMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := *input.FromEmailAddress; got != "relay@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "relay@example.com")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "ops@example.com" {
		t.Errorf("ToAddresses: got %v, want %v", got, forwardTo)
	}
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}

	msg := parseRaw(t, input.Content.Raw.Data)

	subject, err := msg.header.Subject()
	if err != nil || subject != "Forward Test" {
		t.Errorf("Subject: got %q (%v), want %q", subject, err, "Forward Test")
	}
	replyTo, err := msg.header.AddressList("Reply-To")
	if err != nil || len(replyTo) != 1 || replyTo[0].Address != "alice@example.org" {
		t.Errorf("Reply-To: got %v (%v), want alice@example.org", replyTo, err)
	}
	if got := msg.header.Get("X-Original-To"); got != "support@example.com" {
		t.Errorf("X-Original-To: got %q, want %q", got, "support@example.com")
	}
	if got := msg.header.Get("X-Original-From"); got != "Alice <alice@example.org>" {
		t.Errorf("X-Original-From: got %q", got)
	}
	if got := msg.header.Get("X-Inbound-Message-Id"); got != "abc123" {
		t.Errorf("X-Inbound-Message-Id: got %q, want %q", got, "abc123")
	}
	if msg.text != "Hello, World!" {
		t.Errorf("text body: got %q, want %q", msg.text, "Hello, World!")
	}
	if msg.html != "" {
		t.Errorf("expected no HTML part, got %q", msg.html)
	}
}

func TestSend_HtmlAndAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	msg := testMessage()
	msg.HTML = "<p>Hello</p>"
	msg.SPFResult = "pass"
	msg.Attachments = []*email.Attachment{
		email.NewAttachment("notes.txt", "text/plain", []byte("first")),
		email.NewAttachment("data.bin", "application/octet-stream", []byte{0x00, 0xff, 0x10}),
	}
	defer msg.Close()

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed := parseRaw(t, mock.lastInput.Content.Raw.Data)
	if parsed.html != "<p>Hello</p>" {
		t.Errorf("html body: got %q", parsed.html)
	}
	if parsed.text != "Hello, World!" {
		t.Errorf("text body: got %q", parsed.text)
	}
	if got := parsed.header.Get("X-Original-SPF"); got != "pass" {
		t.Errorf("X-Original-SPF: got %q, want %q", got, "pass")
	}
	if got := parsed.attachments["notes.txt"]; got != "first" {
		t.Errorf("notes.txt: got %q, want %q", got, "first")
	}
	if got := parsed.attachments["data.bin"]; got != "\x00\xff\x10" {
		t.Errorf("data.bin: got %q", got)
	}

	// Attachment readers stay usable for other providers after a forward.
	b, err := msg.Attachments[0].Bytes()
	if err != nil || string(b) != "first" {
		t.Errorf("attachment after send: got %q (%v)", b, err)
	}
}

func TestSend_NoForwardRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", nil, mock)

	err := p.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error without forward recipients")
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	callCount := 0
	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			callCount++
			if callCount <= 2 {
				return nil, errors.New("transient error")
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	err := p.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if callCount != 3 {
		t.Errorf("call count: got %d, want 3", callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	err := p.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	// 1 initial + 3 retries = 4 total
	if mock.callCount != 4 {
		t.Errorf("call count: got %d, want 4", mock.callCount)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Send(ctx, testMessage())
	if err == nil {
		t.Fatal("expected error when context cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBuildRawMessage_EmptyBody(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.Text = ""
	msg.From = "not an address"

	raw, err := buildRawMessage("relay@example.com", forwardTo, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed := parseRaw(t, raw)
	if parsed.text != "" {
		t.Errorf("text body: got %q, want empty", parsed.text)
	}
	if got := parsed.header.Get("Reply-To"); got != "not an address" {
		t.Errorf("Reply-To: got %q, want raw From", got)
	}
}

func TestSend_LineBreaksInSenderFields(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("relay@example.com", forwardTo, mock)

	msg := testMessage()
	msg.From = email.FormatAddress("eve@example.org", "Eve\r\nBcc: victim@example.net")
	msg.Subject = "Hi\r\nthere"
	msg.Email = "support@example.com\nX-Injected: 1"
	msg.Attachments = []*email.Attachment{
		email.NewAttachment("a\r\nb.txt", "text/plain", []byte("data")),
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Fatalf("call count: got %d, want 1", mock.callCount)
	}

	parsed := parseRaw(t, mock.lastInput.Content.Raw.Data)
	for _, name := range []string{"Bcc", "X-Injected"} {
		if parsed.header.Has(name) {
			t.Errorf("unexpected %s header: %q", name, parsed.header.Get(name))
		}
	}
	if subject, _ := parsed.header.Subject(); subject != "Hi there" {
		t.Errorf("Subject: got %q, want %q", subject, "Hi there")
	}
	if got := parsed.header.Get("X-Original-From"); got != "Eve Bcc: victim@example.net <eve@example.org>" {
		t.Errorf("X-Original-From: got %q", got)
	}
	if got := parsed.header.Get("X-Original-To"); got != "support@example.com X-Injected: 1" {
		t.Errorf("X-Original-To: got %q", got)
	}
	if got := parsed.attachments["a b.txt"]; got != "data" {
		t.Errorf("attachment: got %v", parsed.attachments)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// Verify SESProvider implements provider.Provider interface
func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ interface {
		Send(ctx context.Context, msg *email.Message) error
		Name() string
	} = (*SESProvider)(nil)
}
