// Package mailer sends newsletter confirmation emails through the SendGrid v3 API.
//
// The sender does not retry. Callers decide what to do with a failure.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
)

const (
	DefaultEndpoint = "https://api.sendgrid.com/v3/mail/send"
	ConfirmPath     = "/api/v1/newsletter/confirm"

	defaultTimeout = 10 * time.Second
	confirmSubject = "Confirm your subscription"
	maxErrorBody   = 64 << 10
)

// Doer is the subset of *http.Client the sender needs
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	APIKey    string
	FromEmail string
	BaseURL   string

	// Endpoint defaults to DefaultEndpoint
	Endpoint string

	// Client defaults to an otelhttp-instrumented http.Client with Timeout
	Client  Doer
	Timeout time.Duration

	// RatePerSecond caps outbound provider requests, 0 disables pacing.
	// Burst defaults to 1 when pacing is enabled.
	RatePerSecond float64
	Burst         int

	Logger log.Logger
}

// Sender delivers confirmation emails. Safe for concurrent use.
type Sender struct {
	apiKey    string
	fromEmail string
	baseURL   string
	endpoint  string
	client    Doer
	pacer     *rate.Limiter
	logger    log.Logger
}

func New(opts Options) *Sender {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		opts.Client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	s := &Sender{
		apiKey:    strings.TrimSpace(opts.APIKey),
		fromEmail: strings.TrimSpace(opts.FromEmail),
		baseURL:   strings.TrimSpace(opts.BaseURL),
		endpoint:  opts.Endpoint,
		client:    opts.Client,
		logger:    opts.Logger,
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.pacer = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return s
}

// NewToken returns a fresh random confirmation token
func NewToken() string {
	return uuid.NewString()
}

// ConfirmURL builds the confirmation link for token under baseURL.
// Trailing slashes on baseURL are dropped so the result never contains "//" before the path.
func ConfirmURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + ConfirmPath + "?token=" + url.QueryEscape(token)
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgMessage struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

func confirmationMessage(from, to, link string) sgMessage {
	return sgMessage{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: to}}}},
		From:             sgAddress{Email: from},
		Subject:          confirmSubject,
		Content: []sgContent{{
			Type:  "text/html",
			Value: `<p>Click <a href="` + html.EscapeString(link) + `">here</a> to confirm your newsletter subscription.</p>`,
		}},
	}
}

// SendConfirmation emails recipient a link carrying token.
// Missing configuration fails with a *ConfigError before any request is made.
// Non-2xx responses and transport failures return a *ProviderError.
func (s *Sender) SendConfirmation(ctx context.Context, recipient, token string) error {
	switch {
	case s.apiKey == "":
		return &ConfigError{Field: "SENDGRID_API_KEY"}
	case s.fromEmail == "":
		return &ConfigError{Field: "FROM_EMAIL"}
	case s.baseURL == "":
		return &ConfigError{Field: "BASE_URL"}
	}

	link := ConfirmURL(s.baseURL, token)
	payload, err := json.Marshal(confirmationMessage(s.fromEmail, recipient, link))
	if err != nil {
		return &ProviderError{Err: err}
	}

	if s.pacer != nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return &ProviderError{Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return &ProviderError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	s.logger.Debug(ctx, "confirmation email accepted by provider",
		"recipient", recipient,
		"status", resp.StatusCode,
		"message_id", resp.Header.Get("X-Message-Id"),
	)
	return nil
}
