// Package dispatch admits confirmation requests through the per-client limiter
// and hands admitted ones to the email sender.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/log"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/mailer"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-confirmd/internal/dispatch"

var (
	ErrRateLimited  = errors.New("too many confirmation requests")
	ErrInvalidEmail = errors.New("invalid email address")
)

// Admitter is the limiter as the dispatcher sees it
type Admitter interface {
	Allow(key string, maxRequests int, window time.Duration) bool
}

type ConfirmationSender interface {
	SendConfirmation(ctx context.Context, recipient, token string) error
}

// Recorder receives dispatch outcomes, satisfied by *metrics.Metrics.
// Denials are counted by the limiter's own hook, not here.
type Recorder interface {
	IncRateLimitAdmitted()
	IncConfirmationSent(at time.Time)
	IncConfirmationFailure(reason string)
	ObserveProviderDuration(d time.Duration)
	IncIntakeMalformed()
}

type nopRecorder struct{}

func (nopRecorder) IncRateLimitAdmitted()                 {}
func (nopRecorder) IncConfirmationSent(time.Time)         {}
func (nopRecorder) IncConfirmationFailure(string)         {}
func (nopRecorder) ObserveProviderDuration(time.Duration) {}
func (nopRecorder) IncIntakeMalformed()                   {}

type Options struct {
	Limiter     Admitter
	Sender      ConfirmationSender
	MaxRequests int
	Window      time.Duration

	Metrics Recorder
	Logger  log.Logger

	// NewToken defaults to mailer.NewToken
	NewToken func() string
	// Now defaults to time.Now
	Now func() time.Time
}

type Dispatcher struct {
	limiter     Admitter
	sender      ConfirmationSender
	maxRequests int
	window      time.Duration

	metrics  Recorder
	logger   log.Logger
	newToken func() string
	now      func() time.Time
	validate *validator.Validate
	tracer   trace.Tracer
}

// New panics without a Limiter or Sender, both are wiring errors.
func New(opts Options) *Dispatcher {
	if opts.Limiter == nil || opts.Sender == nil {
		panic("dispatch: Limiter and Sender are required")
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.NewToken == nil {
		opts.NewToken = mailer.NewToken
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		limiter:     opts.Limiter,
		sender:      opts.Sender,
		maxRequests: opts.MaxRequests,
		window:      opts.Window,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		newToken:    opts.NewToken,
		now:         opts.Now,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		tracer:      otel.Tracer(tracerName),
	}
}

// NormalizeEmail trims and lowercases addr
func NormalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (d *Dispatcher) validEmail(addr string) bool {
	return d.validate.Var(addr, "required,email,max=254") == nil
}

// RequestConfirmation sends a confirmation email to email on behalf of clientKey
// and returns the token embedded in the link.
//
// An invalid address fails with ErrInvalidEmail before the limiter is consulted.
// A rejected call fails with ErrRateLimited and sends nothing.
// Once admitted the slot stays consumed even if the send fails.
func (d *Dispatcher) RequestConfirmation(ctx context.Context, clientKey, email string) (string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.RequestConfirmation")
	defer span.End()

	L := d.logger.With("client", clientKey)
	email = NormalizeEmail(email)

	if !d.validEmail(email) {
		d.metrics.IncConfirmationFailure(metrics.ReasonInvalidEmail)
		span.SetAttributes(attribute.String("confirmd.outcome", metrics.ReasonInvalidEmail))
		L.Debug(ctx, "confirmation request rejected, invalid email", "email", email)
		return "", ErrInvalidEmail
	}

	if !d.limiter.Allow(clientKey, d.maxRequests, d.window) {
		d.metrics.IncConfirmationFailure(metrics.ReasonRateLimited)
		span.SetAttributes(attribute.String("confirmd.outcome", metrics.ReasonRateLimited))
		return "", ErrRateLimited
	}
	d.metrics.IncRateLimitAdmitted()

	token := d.newToken()

	start := d.now()
	err := d.sender.SendConfirmation(ctx, email, token)
	d.metrics.ObserveProviderDuration(d.now().Sub(start))

	if err != nil {
		reason := failureReason(err)
		d.metrics.IncConfirmationFailure(reason)
		span.SetAttributes(attribute.String("confirmd.outcome", reason))
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		// provider errors carry no stack of their own, capture where the send failed
		err = xerrors.EnsureTrace(xerrors.Wrap(err, "send confirmation"))
		L.Error(ctx, err, "confirmation email failed", "email", email, "reason", reason)
		return "", err
	}

	d.metrics.IncConfirmationSent(d.now())
	span.SetAttributes(attribute.String("confirmd.outcome", "sent"))
	L.Info(ctx, "confirmation email sent", "email", email)
	return token, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, mailer.ErrConfig):
		return metrics.ReasonConfig
	case errors.Is(err, mailer.ErrProvider):
		return metrics.ReasonProvider
	default:
		return metrics.ReasonOther
	}
}
