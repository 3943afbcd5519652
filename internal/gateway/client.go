package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "saraiva-vision-scheduling/1.0"

type ClientConfig struct {
	BaseURL    string
	APIToken   string
	From       string // sender id registered with the provider
	Timeout    time.Duration
	RPS        float64 // outbound throttle, 0 disables it
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client posts messages to {base}/channels/{channel}/messages. It never
// retries on its own: every call is exactly one attempt, retries belong to
// the outbox.
type Client struct {
	baseURL    string
	apiToken   string
	from       string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("gateway: API token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL:    baseURL,
		apiToken:   cfg.APIToken,
		from:       cfg.From,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     cfg.Logger,
	}, nil
}

type sendContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendRequest struct {
	From       string        `json:"from,omitempty"`
	To         string        `json:"to"`
	ExternalID string        `json:"externalId,omitempty"`
	Contents   []sendContent `json:"contents"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Send(ctx context.Context, msg Message) (SendResult, error) {
	if msg.Recipient == "" || msg.Text == "" {
		return SendResult{}, &Error{StatusCode: http.StatusBadRequest, Detail: "recipient and text are required"}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return SendResult{}, &Error{Err: fmt.Errorf("throttle: %w", err), Retryable: true}
		}
	}

	body, err := json.Marshal(sendRequest{
		From:       c.from,
		To:         msg.Recipient,
		ExternalID: msg.ExternalID,
		Contents:   []sendContent{{Type: "text", Text: msg.Text}},
	})
	if err != nil {
		return SendResult{}, &Error{Err: fmt.Errorf("marshal send body: %w", err)}
	}

	endpoint := c.baseURL + "/channels/" + url.PathEscape(msg.Channel) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, &Error{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("X-API-TOKEN", c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, &Error{Err: err, Retryable: true}
	}
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if readErr != nil {
		return SendResult{}, &Error{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", readErr), Retryable: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		gwErr := decodeError(resp.StatusCode, data)
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("channel", msg.Channel).
			Str("external_id", msg.ExternalID).
			Bool("retryable", gwErr.Retryable).
			Msg("gateway rejected message")
		return SendResult{}, gwErr
	}

	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.ID == "" {
		// The provider accepted the message; without an id we still count it
		// as sent and correlate receipts by our external id.
		return SendResult{}, nil
	}
	return SendResult{ExternalMessageID: parsed.ID}, nil
}

func decodeError(status int, body []byte) *Error {
	gwErr := &Error{StatusCode: status, Retryable: retryableStatus(status)}
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Code != "" || parsed.Message != "") {
		gwErr.Code = parsed.Code
		gwErr.Detail = parsed.Message
	} else {
		gwErr.Detail = strings.TrimSpace(string(body))
	}
	return gwErr
}

// 4xx responses are permanent except 408 and 429.
func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	case status >= 400:
		return false
	default:
		return true
	}
}
