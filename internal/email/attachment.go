package email

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Attachment is a file attached to an inbound message. It reads as a stream
// positioned at offset 0 and must be closed to release its backing store.
type Attachment struct {
	Filename    string
	ContentType string

	// DetectedType is the media type sniffed from the content, which may
	// differ from the ContentType declared by the sender.
	DetectedType string
	Size         int64

	body    io.ReaderAt
	stream  *io.SectionReader
	release func() error
}

// NewAttachment wraps in-memory content.
func NewAttachment(filename, contentType string, content []byte) *Attachment {
	return newAttachment(filename, contentType, bytes.NewReader(content), int64(len(content)), nil)
}

// NewFileAttachment wraps an open temporary file holding size bytes. Closing
// the attachment closes and removes the file.
func NewFileAttachment(f *os.File, filename, contentType string, size int64) *Attachment {
	return newAttachment(filename, contentType, f, size, func() error {
		closeErr := f.Close()
		if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove attachment file: %w", err)
		}
		return closeErr
	})
}

func newAttachment(filename, contentType string, body io.ReaderAt, size int64, release func() error) *Attachment {
	return &Attachment{
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		body:        body,
		stream:      io.NewSectionReader(body, 0, size),
		release:     release,
	}
}

// Read reads from the attachment's own stream.
func (a *Attachment) Read(p []byte) (int, error) {
	return a.stream.Read(p)
}

// Open returns an independent, seekable reader over the full content.
func (a *Attachment) Open() *io.SectionReader {
	return io.NewSectionReader(a.body, 0, a.Size)
}

// Bytes returns the full content without moving the attachment's stream.
func (a *Attachment) Bytes() ([]byte, error) {
	return io.ReadAll(a.Open())
}

// Close releases the backing store. Subsequent calls are no-ops.
func (a *Attachment) Close() error {
	if a.release == nil {
		return nil
	}
	release := a.release
	a.release = nil
	return release()
}
