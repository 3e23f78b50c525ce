package mailer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfig matches any *ConfigError
	ErrConfig = errors.New("mailer configuration error")
	// ErrProvider matches any *ProviderError
	ErrProvider = errors.New("mailer provider error")
)

// ConfigError reports a required setting that was missing. It is returned before any network call.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string        { return "missing " + e.Field }
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ProviderError reports a failed provider call. StatusCode is 0 when the request never completed,
// in which case Err holds the transport error.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("sendgrid request failed: %v", e.Err)
	}
	return fmt.Sprintf("sendgrid returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (e *ProviderError) Unwrap() error        { return e.Err }
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }
