// Package redisqueue implements a Provider that hands inbound messages to
// Redis consumers. The message JSON is stored in the hash "<key>:<id>" under
// the field "data" and the id is pushed onto the list "<key>".
package redisqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/inbound-relay/internal/email"
)

// Config holds the configuration for creating a queue Provider.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Client is the subset of the Redis client used by the queue.
type Client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Provider pushes inbound messages onto a Redis list.
type Provider struct {
	key    string
	client Client
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(cfg.Key, rdb), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(key string, client Client) *Provider {
	return &Provider{key: key, client: client}
}

// Payload is the JSON document consumers read from the hash.
type Payload struct {
	ID          string              `json:"id"`
	Email       string              `json:"email"`
	From        string              `json:"from"`
	To          []string            `json:"to"`
	Cc          []string            `json:"cc"`
	Bcc         []string            `json:"bcc"`
	Subject     string              `json:"subject"`
	Text        string              `json:"text"`
	HTML        string              `json:"html"`
	Raw         string              `json:"raw"`
	Headers     map[string][]string `json:"headers"`
	ReceivedAt  time.Time           `json:"received_at"`
	SPFResult   string              `json:"spf_result,omitempty"`
	SpamScore   float64             `json:"spam_score"`
	Tags        []string            `json:"tags,omitempty"`
	Attachments []Attachment        `json:"attachments"`
}

// Attachment carries the file content base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// Send stores the message and enqueues its id. Redelivered webhooks produce
// the same id, so the hash is overwritten and consumers see the id again.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	payload, err := newPayload(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	hashKey := p.key + ":" + msg.ID
	if err := p.client.HSet(ctx, hashKey, "data", string(data)).Err(); err != nil {
		return fmt.Errorf("failed to store message in %s: %w", hashKey, err)
	}

	length, err := p.client.RPush(ctx, p.key, msg.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue message on %s: %w", p.key, err)
	}

	slog.Debug("message enqueued",
		"message_id", msg.ID,
		"queue", p.key,
		"queue_length", length,
	)
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "redis"
}

func newPayload(msg *email.Message) (*Payload, error) {
	payload := &Payload{
		ID:          msg.ID,
		Email:       msg.Email,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		Bcc:         msg.Bcc,
		Subject:     msg.Subject,
		Text:        msg.Text,
		HTML:        msg.HTML,
		Raw:         msg.RawBody,
		Headers:     msg.Headers,
		ReceivedAt:  msg.ReceivedAt,
		SPFResult:   msg.SPFResult,
		SpamScore:   msg.SpamScore,
		Tags:        msg.Tags,
		Attachments: make([]Attachment, 0, len(msg.Attachments)),
	}

	for _, att := range msg.Attachments {
		content, err := att.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment %q: %w", att.Filename, err)
		}
		payload.Attachments = append(payload.Attachments, Attachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Data:        base64.StdEncoding.EncodeToString(content),
		})
	}
	return payload, nil
}
