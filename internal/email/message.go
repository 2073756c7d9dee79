// Package email defines the canonical inbound message model shared by the
// webhook normalizer and the delivery providers.
package email

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Message is a normalized inbound email. Text and HTML are empty strings when
// the sender supplied no such part; they are never absent.
type Message struct {
	ID          string
	To          []string
	Cc          []string
	Bcc         []string
	Headers     map[string][]string
	From        string
	Subject     string
	Text        string
	HTML        string
	RawBody     string
	Attachments []*Attachment

	// Email is the address the provider actually delivered the message to.
	Email string

	ReceivedAt time.Time
	SPFResult  string
	Auth       AuthResults
	SpamScore  float64
	Tags       []string
}

// AuthResults carries the DKIM verdict reported by the inbound provider.
type AuthResults struct {
	DKIMSigned bool
	DKIMValid  bool
}

// UID returns the hex Blake2b-192 digest of the delivery address and the raw
// message source. Redelivery of the same webhook yields the same UID.
func UID(deliveredTo, rawBody string) string {
	// blake2b.New only fails for sizes above 64 or oversized keys.
	h, _ := blake2b.New(24, nil)
	h.Write([]byte(deliveredTo))
	h.Write([]byte{0})
	h.Write([]byte(rawBody))
	return hex.EncodeToString(h.Sum(nil))
}

// Close releases the temporary storage behind every attachment. It is safe to
// call more than once.
func (m *Message) Close() error {
	var errs []error
	for _, att := range m.Attachments {
		if err := att.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FormatAddress renders an address with an optional display name as
// "Name <addr>", or the bare address when name is empty. The name is not
// quoted or escaped.
func FormatAddress(addr, name string) string {
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}

var lineBreakReplacer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// HeaderValue returns s with every line break replaced by a space so that
// sender-controlled text cannot start a new header field.
func HeaderValue(s string) string {
	return lineBreakReplacer.Replace(s)
}
