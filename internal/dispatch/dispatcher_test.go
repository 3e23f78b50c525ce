package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/mailer"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-confirmd/internal/ratelimit"
)

// fakeSender records every send and fails with err when set
type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

type sent struct{ to, token string }

func (f *fakeSender) SendConfirmation(_ context.Context, to, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{to, token})
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// spyRecorder counts recorder calls
type spyRecorder struct {
	mu        sync.Mutex
	admitted  int
	sentN     int
	failures  map[string]int
	observed  int
	malformed int
}

func newSpyRecorder() *spyRecorder { return &spyRecorder{failures: map[string]int{}} }

func (s *spyRecorder) IncRateLimitAdmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted++
}

func (s *spyRecorder) IncConfirmationSent(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentN++
}

func (s *spyRecorder) IncConfirmationFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[reason]++
}

func (s *spyRecorder) ObserveProviderDuration(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed++
}

func (s *spyRecorder) IncIntakeMalformed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed++
}

type fixture struct {
	d      *Dispatcher
	sender *fakeSender
	rec    *spyRecorder
	now    *time.Time
}

func newFixture(t *testing.T, maxRequests int, window time.Duration) *fixture {
	t.Helper()
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	f := &fixture{sender: &fakeSender{}, rec: newSpyRecorder(), now: &now}

	seq := 0
	f.d = New(Options{
		Limiter:     ratelimit.New(ratelimit.WithShards(1), ratelimit.WithClock(clock)),
		Sender:      f.sender,
		MaxRequests: maxRequests,
		Window:      window,
		Metrics:     f.rec,
		NewToken: func() string {
			seq++
			return "tok-" + string(rune('a'+seq-1))
		},
		Now: clock,
	})
	return f
}

func (f *fixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestRequestConfirmation_Sends(t *testing.T) {
	f := newFixture(t, 3, time.Hour)

	tok, err := f.d.RequestConfirmation(context.Background(), "203.0.113.7", "  Reader@Example.COM ")
	if err != nil {
		t.Fatalf("RequestConfirmation: %v", err)
	}
	if tok != "tok-a" {
		t.Fatalf("token = %q, want tok-a", tok)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != (sent{"reader@example.com", "tok-a"}) {
		t.Fatalf("sent = %+v", f.sender.sent)
	}
	if f.rec.admitted != 1 || f.rec.sentN != 1 || f.rec.observed != 1 {
		t.Fatalf("recorder = %+v", f.rec)
	}
}

func TestRequestConfirmation_RateLimited(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com"); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	tok, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request err = %v, want ErrRateLimited", err)
	}
	if tok != "" {
		t.Fatalf("rejected request returned token %q", tok)
	}
	if f.sender.count() != 3 {
		t.Fatalf("sends = %d, want 3", f.sender.count())
	}
	if f.rec.failures[metrics.ReasonRateLimited] != 1 {
		t.Fatalf("rate_limited failures = %d, want 1", f.rec.failures[metrics.ReasonRateLimited])
	}

	// other clients are unaffected
	if _, err := f.d.RequestConfirmation(ctx, "198.51.100.2", "reader@example.com"); err != nil {
		t.Fatalf("other client: %v", err)
	}

	// the window slides
	f.advance(time.Hour + time.Nanosecond)
	if _, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestRequestConfirmation_InvalidEmailConsumesNoSlot(t *testing.T) {
	f := newFixture(t, 1, time.Hour)
	ctx := context.Background()

	for _, bad := range []string{"", "   ", "not-an-email", "reader@", "@example.com"} {
		_, err := f.d.RequestConfirmation(ctx, "203.0.113.7", bad)
		if !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("email %q: err = %v, want ErrInvalidEmail", bad, err)
		}
	}
	if f.sender.count() != 0 {
		t.Fatal("invalid emails must not reach the sender")
	}
	if f.rec.failures[metrics.ReasonInvalidEmail] != 5 {
		t.Fatalf("invalid_email failures = %d, want 5", f.rec.failures[metrics.ReasonInvalidEmail])
	}

	// the single slot is still available
	if _, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com"); err != nil {
		t.Fatalf("valid request after invalid ones: %v", err)
	}
}

func TestRequestConfirmation_SendFailureKeepsSlot(t *testing.T) {
	f := newFixture(t, 1, time.Hour)
	f.sender.err = &mailer.ProviderError{StatusCode: 500, Body: "oops"}
	ctx := context.Background()

	_, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com")
	if !errors.Is(err, mailer.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider in chain", err)
	}
	var pe *mailer.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != 500 {
		t.Fatalf("ProviderError not preserved: %v", err)
	}
	if f.rec.failures[metrics.ReasonProvider] != 1 || f.rec.observed != 1 {
		t.Fatalf("recorder = %+v", f.rec)
	}
	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("send failure should carry a stack for the error log")
	}

	f.sender.err = nil
	if _, err := f.d.RequestConfirmation(ctx, "203.0.113.7", "reader@example.com"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("retry err = %v, want ErrRateLimited (failed attempt keeps its slot)", err)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&mailer.ConfigError{Field: "FROM_EMAIL"}, metrics.ReasonConfig},
		{&mailer.ProviderError{Err: context.DeadlineExceeded}, metrics.ReasonProvider},
		{errors.New("something else"), metrics.ReasonOther},
	}
	for _, tt := range tests {
		if got := failureReason(tt.err); got != tt.want {
			t.Errorf("failureReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRequestConfirmation_ZeroMaxAlwaysRejects(t *testing.T) {
	f := newFixture(t, 0, time.Hour)
	_, err := f.d.RequestConfirmation(context.Background(), "203.0.113.7", "reader@example.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestRequestConfirmation_ConcurrentSameClient(t *testing.T) {
	sender := &fakeSender{}
	d := New(Options{
		Limiter:     ratelimit.New(),
		Sender:      sender,
		MaxRequests: 5,
		Window:      time.Hour,
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RequestConfirmation(context.Background(), "203.0.113.7", "reader@example.com"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 || sender.count() != 5 {
		t.Fatalf("admitted = %d, sends = %d, want 5", admitted, sender.count())
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New without a Sender should panic")
		}
	}()
	New(Options{Limiter: ratelimit.New()})
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Reader@Example.COM\t"); got != "reader@example.com" {
		t.Fatalf("NormalizeEmail = %q", got)
	}
}

func TestMetricsSatisfiesRecorder(t *testing.T) {
	var _ Recorder = metrics.New()
}
