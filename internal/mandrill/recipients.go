package mandrill

import (
	"strings"

	"github.com/shineum/inbound-relay/internal/email"
)

// ResolveTo formats the visible To recipients.
func ResolveTo(msg *InboundMessage) []string {
	return formatRecipients(msg.To)
}

// ResolveCc formats the visible Cc recipients.
func ResolveCc(msg *InboundMessage) []string {
	return formatRecipients(msg.Cc)
}

// ResolveBcc infers a blind copy. Mandrill only reports the SMTP envelope
// recipient, so a delivery address missing from both To and Cc must have been
// Bcc'd. The inferred display name is the address's local part.
func ResolveBcc(msg *InboundMessage) []string {
	addr := msg.Email
	if addr == "" || containsAddress(msg.To, addr) || containsAddress(msg.Cc, addr) {
		return []string{}
	}
	local, _, _ := strings.Cut(addr, "@")
	return []string{email.FormatAddress(addr, local)}
}

func formatRecipients(rs []Recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, email.FormatAddress(r.Email, r.Name))
	}
	return out
}

func containsAddress(rs []Recipient, addr string) bool {
	for _, r := range rs {
		if strings.EqualFold(r.Email, addr) {
			return true
		}
	}
	return false
}
