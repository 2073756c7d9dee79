// Package archive implements a Provider that stores inbound messages in S3.
//
// Each message is written under <prefix>/<message id>/ as raw.eml (the
// original MIME source), message.json (the normalized envelope) and one
// object per attachment in attachments/.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/inbound-relay/internal/email"
)

// Config holds the configuration for creating an archive Provider.
type Config struct {
	Bucket string
	Prefix string
	Region string
}

// PutObjectAPI is the subset of the S3 client used by the archive.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Provider archives inbound messages to an S3 bucket.
type Provider struct {
	bucket string
	prefix string
	client PutObjectAPI
}

// New creates an archive Provider using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Bucket, cfg.Prefix, s3.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(bucket, prefix string, client PutObjectAPI) *Provider {
	return &Provider{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		client: client,
	}
}

// manifest is the JSON document stored next to the raw message.
type manifest struct {
	ID          string              `json:"id"`
	Email       string              `json:"email"`
	From        string              `json:"from"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Bcc         []string            `json:"bcc"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Headers     map[string][]string `json:"headers"`
	ReceivedAt  time.Time           `json:"received_at"`
	SPFResult   string              `json:"spf_result,omitempty"`
	DKIMSigned  bool                `json:"dkim_signed"`
	DKIMValid   bool                `json:"dkim_valid"`
	SpamScore   float64             `json:"spam_score"`
	Tags        []string            `json:"tags,omitempty"`
	Attachments []manifestFile      `json:"attachments"`
}

type manifestFile struct {
	Key          string `json:"key"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	DetectedType string `json:"detected_type"`
	Size         int64  `json:"size"`
}

// Send uploads the raw source, every attachment and finally the manifest.
// The manifest goes last so its presence marks a complete archive entry.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	base := path.Join(p.prefix, msg.ID)

	if err := p.put(ctx, path.Join(base, "raw.eml"), "message/rfc822",
		strings.NewReader(msg.RawBody), int64(len(msg.RawBody)), nil); err != nil {
		return err
	}

	m := manifest{
		ID:          msg.ID,
		Email:       msg.Email,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		Bcc:         msg.Bcc,
		Subject:     msg.Subject,
		Text:        msg.Text,
		HTML:        msg.HTML,
		Headers:     msg.Headers,
		ReceivedAt:  msg.ReceivedAt,
		SPFResult:   msg.SPFResult,
		DKIMSigned:  msg.Auth.DKIMSigned,
		DKIMValid:   msg.Auth.DKIMValid,
		SpamScore:   msg.SpamScore,
		Tags:        msg.Tags,
		Attachments: make([]manifestFile, 0, len(msg.Attachments)),
	}

	for i, att := range msg.Attachments {
		key := path.Join(base, "attachments", attachmentName(i, att.Filename))
		meta := map[string]string{"detected-type": att.DetectedType}
		if err := p.put(ctx, key, att.ContentType, att.Open(), att.Size, meta); err != nil {
			return err
		}
		m.Attachments = append(m.Attachments, manifestFile{
			Key:          key,
			Filename:     att.Filename,
			ContentType:  att.ContentType,
			DetectedType: att.DetectedType,
			Size:         att.Size,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return p.put(ctx, path.Join(base, "message.json"), "application/json",
		strings.NewReader(string(data)), int64(len(data)), nil)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "archive"
}

func (p *Provider) put(ctx context.Context, key, contentType string, body io.Reader, size int64, meta map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      meta,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", p.bucket, key, err)
	}
	return nil
}

// attachmentName prefixes the position so duplicate filenames stay distinct.
func attachmentName(index int, filename string) string {
	if filename == "" {
		filename = "attachment"
	}
	return strconv.Itoa(index) + "-" + filename
}
