/**
 * @description
 * Client for the transactional mail API that delivers one-time codes.
 *
 * Calls go through a circuit breaker so a failing mail provider is not hammered while it
 * recovers; delivery is best-effort and callers only log the returned error.
 *
 * @dependencies
 * - github.com/sony/gobreaker: Circuit breaker around the HTTP calls.
 */

package mailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bms/funds-service/internal/domain"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("mail service circuit is open")

const breakerName = "mail_api"

// Options tunes the client. Zero values pick the defaults.
type Options struct {
	Timeout             time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	// OnStateChange is told whether the breaker is open after every transition.
	OnStateChange func(name string, open bool)
}

// Client sends one-time codes through the mail API.
type Client struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// NewClient creates a new mail API client.
func NewClient(baseURL, apiKey, from string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
	threshold := opts.ConsecutiveFailures
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("level=warn component=mailclient msg=\"circuit breaker state changed\" name=%s from=%s to=%s", name, from, to)
			if opts.OnStateChange != nil {
				opts.OnStateChange(name, to == gobreaker.StateOpen)
			}
		},
	})
	return c
}

// DeliverCode emails code to the given address.
func (c *Client) DeliverCode(ctx context.Context, email, code string, purpose domain.OtpPurpose, expiryMinutes int) error {
	if c.baseURL == "" {
		return fmt.Errorf("mail API base URL is not configured")
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("recipient email is empty")
	}

	payload := sendRequest{
		From:    c.from,
		To:      email,
		Subject: subjectFor(purpose),
		Text: fmt.Sprintf("Your verification code is %s. It expires in %d minutes. Never share this code with anyone.",
			code, expiryMinutes),
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, "/v1/messages", payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func subjectFor(purpose domain.OtpPurpose) string {
	switch purpose {
	case domain.OtpPurposeTransaction:
		return "Confirm your transfer"
	case domain.OtpPurposeLogin2FA:
		return "Your sign-in code"
	case domain.OtpPurposePasswordReset:
		return "Reset your password"
	default:
		return "Your verification code"
	}
}

// LogDeliverer stands in for the mail API when none is configured. It never logs the code.
type LogDeliverer struct{}

func (LogDeliverer) DeliverCode(ctx context.Context, email, code string, purpose domain.OtpPurpose, expiryMinutes int) error {
	log.Printf("level=info component=mailclient msg=\"mail delivery disabled; code not sent\" to=%s purpose=%s", email, purpose)
	return nil
}
