// Package provider defines the interface for delivery backends that receive
// normalized inbound messages.
package provider

import (
	"context"

	"github.com/shineum/inbound-relay/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Each provider hands a normalized inbound message to a downstream
// system (e.g., stdout, an SES forward, an S3 archive, a Redis queue).
type Provider interface {
	// Send delivers a message through this provider. Attachments are
	// released by the caller after Send returns, so a provider must not
	// retain them.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
