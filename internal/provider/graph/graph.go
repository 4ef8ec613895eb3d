package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/mailkit/internal/email"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/mimecodec"
	"github.com/shineum/mailkit/internal/provider"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox that sends, and the From of messages without one.
	Sender string

	// Codec renders the MIME content. Defaults to a codec without a text
	// renderer.
	Codec *mimecodec.Codec
}

// Provider sends mail via the Microsoft Graph sendMail endpoint using
// OAuth2 client credentials authentication. Messages are posted in MIME
// form, so Graph reads recipients from the headers.
type Provider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	codec      *mimecodec.Codec

	maxRetries int
	retryDelay time.Duration
}

// New creates a Provider for the given tenant and application.
func New(cfg Config) *Provider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Provider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Provider {
	codec := mimecodec.New(nil)
	if cfg.Codec != nil {
		cp := *cfg.Codec
		codec = &cp
	}
	codec.KeepBcc = true

	return &Provider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		codec:      codec,
		maxRetries: provider.DefaultMaxRetries,
		retryDelay: provider.DefaultRetryDelay,
	}
}

// Send delivers msg via the sendMail endpoint.
// It retries transient failures with exponential backoff, respects
// Retry-After on HTTP 429 and refreshes the token once on HTTP 401.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (*email.DeliveryReceipt, error) {
	msg = provider.WithSender(msg, p.sender)
	if len(msg.Recipients()) == 0 {
		return nil, mailerr.Errorf(mailerr.KindDelivery, "sendMail", "message has no recipients")
	}

	enc, err := p.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	body := []byte(base64.StdEncoding.EncodeToString(enc.Data))

	receipt := func(code int) *email.DeliveryReceipt {
		return &email.DeliveryReceipt{
			Code:       code,
			Status:     http.StatusText(code),
			Provider:   p.Name(),
			MessageID:  enc.MessageID,
			Recipients: msg.Recipients(),
			Size:       len(enc.Data),
			Attached:   enc.Attached,
			Dropped:    enc.Dropped,
		}
	}

	var lastErr error
	tokenRefreshed := false

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Graph API request",
				"attempt", attempt,
				"max_retries", p.maxRetries,
			)
		}

		code, err := p.doSendRequest(ctx, body)
		if err == nil {
			return receipt(code), nil
		}
		if ctx.Err() != nil {
			return nil, mailerr.New(mailerr.KindCanceled, "sendMail", fmt.Errorf("%w: %w", ctx.Err(), err))
		}

		lastErr = err

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return nil, mailerr.New(mailerr.KindDelivery, "sendMail", err)
		}

		var delay time.Duration
		switch {
		case graphErr.permanent:
			return nil, mailerr.New(mailerr.KindDelivery, "sendMail", graphErr)
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := p.token.ForceRefresh(ctx); refreshErr != nil {
				return nil, mailerr.New(mailerr.KindAuth, "token", fmt.Errorf("token refresh failed: %w", refreshErr))
			}
			tokenRefreshed = true
			continue
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay = p.retryAfterDelay(graphErr.retryAfter, attempt)
			slog.Info("rate limited by Graph API",
				"retry_after", delay,
			)
		case graphErr.transient:
			delay = provider.Backoff(p.retryDelay, attempt)
			slog.Info("transient Graph API error, retrying",
				"status", graphErr.statusCode,
				"delay", delay,
			)
		default:
			return nil, mailerr.New(mailerr.KindDelivery, "sendMail", graphErr)
		}
		if attempt == p.maxRetries {
			break
		}
		if err := provider.Sleep(ctx, delay); err != nil {
			return nil, mailerr.New(mailerr.KindCanceled, "sendMail",
				fmt.Errorf("context cancelled during retry wait: %w", err))
		}
	}

	return nil, mailerr.New(mailerr.KindDelivery, "sendMail",
		fmt.Errorf("Graph API request failed after %d retries: %w", p.maxRetries, lastErr))
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single POST of the base64 MIME body and
// returns the success status code.
func (p *Provider) doSendRequest(ctx context.Context, body []byte) (int, error) {
	token, err := p.token.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.StatusCode, nil
	}

	respBody, _ := io.ReadAll(resp.Body)

	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(respBody, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return 0, classifyError(resp.StatusCode, graphErrResp.Error.Message, resp.Header.Get("Retry-After"))
	}

	return 0, classifyError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
}

// sendError represents an error from the Graph API send operation with
// classification for retry logic.
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
	case statusCode == http.StatusBadRequest || statusCode == http.StatusForbidden:
		err.permanent = true
	case statusCode == http.StatusUnauthorized:
		err.transient = true
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}

// retryAfterDelay parses the Retry-After header value and returns the appropriate delay.
// Falls back to exponential backoff if the header is missing or unparseable.
func (p *Provider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter == "" {
		return provider.Backoff(p.retryDelay, attempt)
	}

	seconds, err := strconv.Atoi(retryAfter)
	if err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return provider.Backoff(p.retryDelay, attempt)
}
