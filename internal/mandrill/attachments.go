package mandrill

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/shineum/inbound-relay/internal/email"
)

// maxTempPrefix bounds the filename portion of a temp file name.
const maxTempPrefix = 100

var filenameReplacer = strings.NewReplacer("/", "_", `\`, "_")

// SanitizeFilename replaces path separators so the name is safe to use as a
// single path element.
func SanitizeFilename(name string) string {
	return filenameReplacer.Replace(name)
}

// MaterializeAttachments decodes each descriptor into a temporary file under
// dir (os.TempDir when empty), in order. On error every file created so far
// is released and nothing is returned.
func MaterializeAttachments(dir string, descs []AttachmentDescriptor) ([]*email.Attachment, error) {
	out := make([]*email.Attachment, 0, len(descs))
	for _, desc := range descs {
		att, err := materialize(dir, desc)
		if err != nil {
			for _, done := range out {
				done.Close()
			}
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func materialize(dir string, desc AttachmentDescriptor) (*email.Attachment, error) {
	filename := SanitizeFilename(desc.Name)

	data, err := decodeContent(desc)
	if err != nil {
		return nil, &AttachmentDecodeError{AttachmentID: desc.ID, Filename: filename, Err: err}
	}

	f, err := os.CreateTemp(dir, tempPattern(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write attachment file: %w", err)
	}

	att := email.NewFileAttachment(f, filename, desc.Type, int64(len(data)))
	att.DetectedType = mimetype.Detect(data).String()
	return att, nil
}

// decodeContent returns the attachment bytes. Base64 content may contain line
// breaks and may omit padding.
func decodeContent(desc AttachmentDescriptor) ([]byte, error) {
	if !desc.Base64 {
		return []byte(desc.Content), nil
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, desc.Content)

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return decoded, nil
	}
	// Some senders strip the trailing padding.
	if decoded, rawErr := base64.RawStdEncoding.DecodeString(cleaned); rawErr == nil {
		return decoded, nil
	}
	return nil, err
}

func tempPattern(filename string) string {
	if filename == "" {
		filename = "attachment"
	}
	if len(filename) > maxTempPrefix {
		filename = filename[:maxTempPrefix]
	}
	return filename + "-*"
}
