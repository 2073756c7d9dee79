// Package stdout implements a Provider that prints inbound messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/inbound-relay/internal/email"
)

// Provider prints inbound messages to stdout in a human-readable format.
type Provider struct {
	// mu keeps concurrently delivered messages from interleaving.
	mu sync.Mutex

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message to the writer in a readable format.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "Delivered-To: %s\n", msg.Email)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(msg.Bcc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.SPFResult != "" {
		fmt.Fprintf(&b, "SPF: %s\n", msg.SPFResult)
	}
	b.WriteString("Body:\n")

	body := msg.Text
	if body == "" {
		body = msg.HTML
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s, %s)", att.Filename, att.ContentType, formatSize(att.Size)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
