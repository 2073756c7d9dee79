package mandrill

import "fmt"

// DecodeError reports a webhook body that is not a valid event batch. It
// fails the whole batch.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode webhook events: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AttachmentDecodeError reports attachment content that is not valid base64.
type AttachmentDecodeError struct {
	AttachmentID string
	Filename     string
	Err          error
}

func (e *AttachmentDecodeError) Error() string {
	return fmt.Sprintf("failed to decode attachment %q (%s): %v", e.AttachmentID, e.Filename, e.Err)
}

func (e *AttachmentDecodeError) Unwrap() error { return e.Err }

// EventError reports an inbound event that could not be normalized. Index is
// the event's position among the batch's inbound events.
type EventError struct {
	Index   int
	EventID string
	Err     error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %d (%s): %v", e.Index, e.EventID, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }
