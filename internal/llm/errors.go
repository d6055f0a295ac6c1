package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Reason classifies a provider failure and drives the manager's handling:
// quota reasons rotate keys, transient reasons retry and fall over, the
// rest surface to the caller unchanged.
type Reason string

const (
	ReasonBilling          Reason = "billing"
	ReasonRateLimit        Reason = "rate_limit"
	ReasonAuth             Reason = "auth"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonContentFilter    Reason = "content_filter"
	ReasonModelUnavailable Reason = "model_unavailable"
	ReasonUnknown          Reason = "unknown"
)

// IsQuota reports whether the failure exhausts the API key that made the
// call. Only quota failures take a key out of rotation.
func (r Reason) IsQuota() bool {
	return r == ReasonRateLimit || r == ReasonBilling
}

// IsTransient reports whether the same key is worth retrying.
func (r Reason) IsTransient() bool {
	return r == ReasonTimeout || r == ReasonServerError
}

// ShouldFailover reports whether the manager should move on to the next
// provider in the chain after in-provider retries are spent. Invalid
// requests and filtered content would fail identically everywhere, so
// those surface instead.
func (r Reason) ShouldFailover() bool {
	switch r {
	case ReasonTimeout, ReasonServerError, ReasonModelUnavailable, ReasonAuth:
		return true
	default:
		return false
	}
}

// Sentinel errors raised by the manager itself.
var (
	// ErrAllKeysExhausted means every active key of one provider failed
	// on quota grounds during a single call.
	ErrAllKeysExhausted = errors.New("all api keys exhausted")

	// ErrAllProvidersExhausted means no provider in the chain could serve
	// the request.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrEmptyResponse means a provider returned success with no usable
	// text, typically a safety block.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// ProviderError wraps a backend failure with enough context to classify it
// without string-matching at the call site.
type ProviderError struct {
	Provider string
	Model    string
	Reason   Reason
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Reason))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError builds a classified error for a backend failure. When
// reason is ReasonUnknown the message and status are re-examined so SDK
// errors that only carry text still classify correctly.
func NewProviderError(provider, model string, reason Reason, status int, cause error) *ProviderError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if reason == ReasonUnknown {
		reason = classify(status, msg)
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   reason,
		Status:   status,
		Message:  msg,
		Cause:    cause,
	}
}

// Classify extracts the failure reason from any error. Wrapped
// ProviderErrors keep their assigned reason; everything else is classified
// from its message text.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return classify(0, err.Error())
}

var quotaKeywords = []string{
	"rate_limit",
	"rate limit",
	"ratelimit",
	"too many requests",
	"quota",
	"resource_exhausted",
	"resource has been exhausted",
	"429",
}

var billingKeywords = []string{
	"insufficient_quota",
	"billing",
	"payment",
	"credit balance",
	"purchase",
}

func classify(status int, msg string) Reason {
	switch status {
	case 401, 403:
		return ReasonAuth
	case 402:
		return ReasonBilling
	case 404:
		return ReasonModelUnavailable
	case 408:
		return ReasonTimeout
	case 422, 400:
		return ReasonInvalidRequest
	case 429:
		return ReasonRateLimit
	}
	if status >= 500 {
		return ReasonServerError
	}

	lower := strings.ToLower(msg)
	for _, kw := range billingKeywords {
		if strings.Contains(lower, kw) {
			return ReasonBilling
		}
	}
	for _, kw := range quotaKeywords {
		if strings.Contains(lower, kw) {
			return ReasonRateLimit
		}
	}
	switch {
	case strings.Contains(lower, "context deadline exceeded"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"):
		return ReasonTimeout
	case strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "internal server error"),
		strings.Contains(lower, "service unavailable"),
		strings.Contains(lower, "bad gateway"):
		return ReasonServerError
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "invalid x-api-key"),
		strings.Contains(lower, "permission"):
		return ReasonAuth
	case strings.Contains(lower, "content_filter"),
		strings.Contains(lower, "safety"),
		strings.Contains(lower, "blocked"):
		return ReasonContentFilter
	case strings.Contains(lower, "model_not_found"),
		strings.Contains(lower, "model not found"),
		strings.Contains(lower, "does not exist"):
		return ReasonModelUnavailable
	}
	return ReasonUnknown
}
