// Package mandrill normalizes Mandrill inbound webhook batches into
// email.Message values.
package mandrill

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventsParam is the form parameter carrying the JSON-encoded event batch.
const EventsParam = "mandrill_events"

// inboundEvent is the event type Mandrill uses for received mail.
const inboundEvent = "inbound"

// Params is the raw parameter bag extracted from a webhook request.
type Params map[string]string

// Event is one inbound record of a webhook batch.
type Event struct {
	Event string
	ID    string
	TS    float64
	Msg   *InboundMessage
}

// rawEvent defers decoding msg until the event type is known. Other event
// types carry differently shaped msg objects.
type rawEvent struct {
	Event string          `json:"event"`
	ID    string          `json:"_id"`
	TS    float64         `json:"ts"`
	Msg   json.RawMessage `json:"msg"`
}

// InboundMessage is a received message as Mandrill reports it.
type InboundMessage struct {
	To          []Recipient `json:"to"`
	Cc          []Recipient `json:"cc"`
	FromEmail   string      `json:"from_email"`
	FromName    string      `json:"from_name"`
	Subject     string      `json:"subject"`
	Text        *string     `json:"text"`
	HTML        *string     `json:"html"`
	RawMsg      string      `json:"raw_msg"`
	Headers     Headers     `json:"headers"`
	Attachments Attachments `json:"attachments"`
	Images      Attachments `json:"images"`
	Email       string      `json:"email"`
	SPF         *SPFResult  `json:"spf"`
	DKIM        *DKIMResult `json:"dkim"`
	SpamReport  *SpamReport `json:"spam_report"`
	Tags        []string    `json:"tags"`
}

// Recipient is an [email, name] pair. Name is empty when Mandrill sends null.
type Recipient struct {
	Email string
	Name  string
}

// UnmarshalJSON decodes the two-element array form.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var pair []*string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("recipient must be an [email, name] array: %w", err)
	}
	if len(pair) > 0 && pair[0] != nil {
		r.Email = *pair[0]
	}
	if len(pair) > 1 && pair[1] != nil {
		r.Name = *pair[1]
	}
	return nil
}

// DKIMResult is the DKIM verdict attached to an inbound message.
type DKIMResult struct {
	Signed bool `json:"signed"`
	Valid  bool `json:"valid"`
}

// SpamReport is the SpamAssassin summary attached to an inbound message.
type SpamReport struct {
	Score float64 `json:"score"`
}

// Headers holds message headers. Mandrill sends single values as strings and
// repeated headers as arrays; both decode to a slice.
type Headers map[string][]string

// UnmarshalJSON accepts string, array, or scalar header values.
func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("headers must be an object: %w", err)
	}
	if raw == nil {
		*h = nil
		return nil
	}

	out := make(Headers, len(raw))
	for name, value := range raw {
		if isNull(value) {
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			out[name] = []string{single}
			continue
		}
		var multi []string
		if err := json.Unmarshal(value, &multi); err == nil {
			out[name] = multi
			continue
		}
		out[name] = []string{string(bytes.TrimSpace(value))}
	}
	*h = out
	return nil
}

// AttachmentDescriptor describes one attachment of an inbound message.
type AttachmentDescriptor struct {
	ID      string `json:"-"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Base64  bool   `json:"base64"`
}

// Attachments keeps descriptors in the key order of the JSON object they were
// decoded from.
type Attachments []AttachmentDescriptor

// UnmarshalJSON decodes an id -> descriptor object preserving key order. An
// empty array or null is treated as no attachments.
func (a *Attachments) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch tok {
	case nil:
		*a = nil
		return nil
	case json.Delim('['):
		var list []AttachmentDescriptor
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("attachments array: %w", err)
		}
		*a = list
		return nil
	case json.Delim('{'):
	default:
		return fmt.Errorf("attachments must be an object, got %v", tok)
	}

	var out Attachments
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected attachment key %v", keyTok)
		}
		var desc AttachmentDescriptor
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("attachment %q: %w", key, err)
		}
		desc.ID = key
		out = append(out, desc)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

// DecodeEvents parses a webhook body and returns its inbound events in order.
// Events of any other type are dropped.
func DecodeEvents(body []byte) ([]Event, error) {
	var all []*rawEvent
	if err := json.Unmarshal(body, &all); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if all == nil {
		return nil, &DecodeError{Err: errors.New("events must be an array, got null")}
	}

	inbound := make([]Event, 0, len(all))
	for i, raw := range all {
		if raw == nil {
			return nil, &DecodeError{Err: fmt.Errorf("event %d is null", i)}
		}
		if raw.Event != inboundEvent {
			continue
		}
		if isNull(raw.Msg) {
			return nil, &DecodeError{Err: fmt.Errorf("inbound event %d has no msg object", i)}
		}
		var msg InboundMessage
		if err := json.Unmarshal(raw.Msg, &msg); err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("inbound event %d: %w", i, err)}
		}
		inbound = append(inbound, Event{Event: raw.Event, ID: raw.ID, TS: raw.TS, Msg: &msg})
	}
	return inbound, nil
}

// isNull reports whether a raw value is absent or JSON null.
func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Events decodes the batch carried under EventsParam.
func (p Params) Events() ([]Event, error) {
	body, ok := p[EventsParam]
	if !ok {
		return nil, &DecodeError{Err: errors.New("missing " + EventsParam + " parameter")}
	}
	return DecodeEvents([]byte(body))
}
