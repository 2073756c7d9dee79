// Package webhook serves the Mandrill inbound webhook and hands normalized
// messages to the delivery provider.
package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"

	"github.com/shineum/inbound-relay/internal/mandrill"
	"github.com/shineum/inbound-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// HealthPath answers liveness probes.
const HealthPath = "/healthz"

// ServerConfig holds the configuration for a webhook server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// Path is the route Mandrill posts to.
	Path string

	// PublicURL is the webhook URL as registered with Mandrill. When empty
	// the URL is rebuilt from the request.
	PublicURL string

	// WebhookKey enables signature verification when set.
	WebhookKey string

	// MaxBodySize limits request bodies in bytes. Zero keeps fiber's default.
	MaxBodySize int

	// SPF overrides the normalizer's base SPF policy.
	SPF mandrill.SPFOverride

	// Workers bounds concurrent provider calls within one batch. Values
	// below one deliver sequentially.
	Workers int

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	Normalizer *mandrill.Normalizer
	Provider   provider.Provider
}

// Server receives webhook batches and delivers each message to the provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	app    *fiber.App
}

// batchResponse summarizes a processed batch.
type batchResponse struct {
	BatchID  string `json:"batch_id"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
}

// New creates a webhook Server with its routes registered.
func New(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.WebhookKey),
	}

	s.app = fiber.New(fiber.Config{
		BodyLimit:             cfg.MaxBodySize,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.app.Use(recover.New())

	s.app.Get(HealthPath, s.handleHealth)
	// Mandrill probes the URL with HEAD before saving a webhook.
	s.app.Head(cfg.Path, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	s.app.Post(cfg.Path, s.handleInbound)

	return s
}

// ListenAndServe serves until ctx is cancelled, then stops accepting
// requests and waits up to 30 seconds for in-flight batches.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	slog.Info("webhook server listening",
		"addr", ln.Addr().String(),
		"path", s.config.Path,
		"provider", s.config.Provider.Name(),
		"signature_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down webhook server")
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
		}
	}()

	err = s.app.Listener(ln)
	if ctx.Err() != nil {
		<-shutdownDone
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"provider": s.config.Provider.Name(),
	})
}

func (s *Server) handleInbound(c *fiber.Ctx) error {
	params, err := formParams(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid form body")
	}

	if s.auth.Enabled() {
		if err := s.auth.Verify(c.Get(SignatureHeader), s.webhookURL(c), params); err != nil {
			slog.Warn("rejected webhook request",
				"remote_addr", c.IP(),
				"error", err,
			)
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
	}

	batchID := uuid.NewString()
	logger := slog.With("batch_id", batchID)

	batch, err := s.config.Normalizer.Normalize(params, s.config.SPF)
	if err != nil {
		var decodeErr *mandrill.DecodeError
		if errors.As(err, &decodeErr) {
			logger.Warn("malformed webhook batch", "error", err)
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return err
	}
	defer func() {
		if err := batch.Close(); err != nil {
			logger.Warn("failed to release attachments", "error", err)
		}
	}()

	resp := batchResponse{
		BatchID:  batchID,
		Accepted: len(batch.Messages),
		Rejected: batch.Rejected,
		Failed:   len(batch.Failures),
	}

	var delivered, failed atomic.Int32
	ctx := c.UserContext()
	wp := workerpool.New(min(s.config.Workers, max(len(batch.Messages), 1)))
	for _, msg := range batch.Messages {
		msg := msg
		wp.Submit(func() {
			if err := s.config.Provider.Send(ctx, msg); err != nil {
				failed.Add(1)
				logger.Error("delivery failed",
					"message_id", msg.ID,
					"provider", s.config.Provider.Name(),
					"error", err,
				)
				return
			}
			delivered.Add(1)
		})
	}
	wp.StopWait()

	if failed.Load() > 0 {
		resp.Error = "delivery failed"
	}

	logger.Info("webhook batch processed",
		"accepted", resp.Accepted,
		"delivered", delivered.Load(),
		"rejected", resp.Rejected,
		"failed", resp.Failed,
	)

	// A non-2xx answer makes Mandrill redeliver the whole batch; message IDs
	// are stable so already delivered messages can be deduplicated downstream.
	if resp.Error != "" {
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}
	return c.JSON(resp)
}

// webhookURL returns the URL Mandrill signed.
func (s *Server) webhookURL(c *fiber.Ctx) string {
	if s.config.PublicURL != "" {
		return s.config.PublicURL
	}
	return c.BaseURL() + c.OriginalURL()
}

// formParams collects the POST parameters of an urlencoded or multipart body.
func formParams(c *fiber.Ctx) (mandrill.Params, error) {
	params := mandrill.Params{}

	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, err
		}
		for k, v := range form.Value {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		return params, nil
	}

	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})
	return params, nil
}

// errorHandler renders errors as JSON with the status of a *fiber.Error.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	} else {
		slog.Error("webhook handler error", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
