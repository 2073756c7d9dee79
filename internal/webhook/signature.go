package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"sort"
	"strings"

	"github.com/shineum/inbound-relay/internal/mandrill"
)

// SignatureHeader carries Mandrill's webhook signature.
const SignatureHeader = "X-Mandrill-Signature"

var (
	errMissingSignature = errors.New("missing webhook signature")
	errBadSignature     = errors.New("webhook signature mismatch")
)

// Authenticator verifies webhook signatures against the webhook key.
type Authenticator struct {
	key string
}

// NewAuthenticator creates an Authenticator for key. An empty key disables
// verification.
func NewAuthenticator(key string) *Authenticator {
	return &Authenticator{key: key}
}

// Enabled returns true if a webhook key is configured.
func (a *Authenticator) Enabled() bool {
	return a.key != ""
}

// Verify checks signature against the webhook URL and POST parameters.
func (a *Authenticator) Verify(signature, url string, params mandrill.Params) error {
	if signature == "" {
		return errMissingSignature
	}
	expected := Sign(a.key, url, params)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errBadSignature
	}
	return nil
}

// Sign computes the Mandrill signature: base64(HMAC-SHA1(key, url followed by
// every POST key and value, sorted by key)).
func Sign(key, url string, params mandrill.Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
