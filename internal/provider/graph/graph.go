package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/inbound-relay/internal/email"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the forward is sent as.
	Sender string

	// ForwardTo lists the addresses every inbound message is relayed to.
	ForwardTo []string
}

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// GraphProvider forwards inbound messages through the sendMail endpoint of
// the Sender mailbox, authenticated with OAuth2 client credentials.
type GraphProvider struct {
	sendURL    string
	forwardTo  []string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	sendURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)
	return newWithOverrides(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, sendURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sendURL:    sendURL,
		forwardTo:  cfg.ForwardTo,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Send forwards msg via the Microsoft Graph API. Transient failures are
// retried with exponential backoff, 429 responses honor Retry-After and a 401
// triggers a single token refresh.
func (g *GraphProvider) Send(ctx context.Context, msg *email.Message) error {
	if len(g.forwardTo) == 0 {
		return errors.New("no forward recipients configured")
	}

	reqBody, err := buildForwardRequest(msg, g.forwardTo)
	if err != nil {
		return err
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"message_id", msg.ID,
			)
		}

		err := g.post(ctx, bodyJSON)
		if err == nil {
			return nil
		}
		lastErr = err

		var sendErr *sendError
		if !errors.As(err, &sendErr) {
			return err
		}

		switch {
		case sendErr.permanent:
			return sendErr
		case sendErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.Invalidate(ctx); refreshErr != nil {
				return fmt.Errorf("token refresh failed: %w", refreshErr)
			}
			tokenRefreshed = true
		case sendErr.statusCode == http.StatusTooManyRequests:
			delay := retryAfterDelay(sendErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		case sendErr.transient:
			delay := backoffDelay(attempt)
			slog.Info("transient Graph API error, retrying",
				"status", sendErr.statusCode,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		default:
			return sendErr
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// post performs a single sendMail request.
func (g *GraphProvider) post(ctx context.Context, bodyJSON []byte) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	message := string(body)

	var errResp graphErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// sendError is a classified Graph API failure.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay returns the Retry-After delay in seconds, or the backoff
// delay when the header is missing or unparseable.
func retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
// Delays are: 1s, 2s, 4s
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
