// Package core provides core types and interfaces for the generation pipeline.
package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	// ErrorKindInsufficientCredits indicates the user balance cannot cover the
	// estimated or flat cost. Never retried automatically.
	ErrorKindInsufficientCredits ErrorKind = "insufficient_credits"
	// ErrorKindPricingNotFound indicates no pricing rule resolved even after
	// alias fallback. Fatal configuration error, never a silent zero charge.
	ErrorKindPricingNotFound ErrorKind = "pricing_configuration_missing"
	// ErrorKindProvider indicates the vendor rejected a submission or poll.
	ErrorKindProvider ErrorKind = "provider_error"
	// ErrorKindQuotaExceeded indicates a vendor quota/throttle response.
	// Still triggers fallback to the next candidate.
	ErrorKindQuotaExceeded ErrorKind = "quota_exceeded"
	// ErrorKindTimeout indicates a submit or poll budget expired without a
	// definitive vendor answer.
	ErrorKindTimeout ErrorKind = "provider_timeout"
	// ErrorKindResultParse indicates a 200 response that could not be mapped
	// to any known result shape.
	ErrorKindResultParse ErrorKind = "result_parse_failure"
	// ErrorKindInvalidRequest indicates a client error (4xx).
	ErrorKindInvalidRequest ErrorKind = "invalid_request_error"
	// ErrorKindNotFound indicates a missing resource (404).
	ErrorKindNotFound ErrorKind = "not_found_error"
)

// PipelineError is the base error type for all generation pipeline errors.
type PipelineError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Hint carries vendor-specific remediation guidance for quota errors.
	Hint string `json:"hint,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface. Provider failures are prefixed with
// the vendor name so operators can tell which third party is degraded.
func (e *PipelineError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s call failed: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the router should keep trying other candidates
// after this error. Credit and configuration failures abort the whole request.
func (e *PipelineError) Retryable() bool {
	switch e.Kind {
	case ErrorKindInsufficientCredits, ErrorKindPricingNotFound, ErrorKindInvalidRequest, ErrorKindNotFound:
		return false
	default:
		return true
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *PipelineError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case ErrorKindInsufficientCredits:
		return http.StatusPaymentRequired
	case ErrorKindQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindProvider, ErrorKindResultParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *PipelineError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"kind":    e.Kind,
		"message": e.Message,
	}
	if e.Hint != "" {
		body["hint"] = e.Hint
	}
	return map[string]interface{}{"error": body}
}

// NewInsufficientCreditsError reports a balance shortfall with
// required-vs-available amounts.
func NewInsufficientCreditsError(required, available int64) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindInsufficientCredits,
		Message:    fmt.Sprintf("insufficient credits: required %d, available %d", required, available),
		StatusCode: http.StatusPaymentRequired,
	}
}

// NewPricingNotFoundError reports a missing pricing rule after alias fallback.
func NewPricingNotFoundError(taskType, provider, model string) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindPricingNotFound,
		Message:    fmt.Sprintf("no pricing rule for task %q (provider=%q, model=%q)", taskType, provider, model),
		StatusCode: http.StatusInternalServerError,
	}
}

// NewProviderError creates a new provider error (submission or poll rejection)
func NewProviderError(provider string, statusCode int, message string, err error) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewQuotaExceededError creates a quota/throttle error with a remediation hint.
func NewQuotaExceededError(provider string, message string) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindQuotaExceeded,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
		Hint:       fmt.Sprintf("%s quota or rate limit reached; check the account allowance or try a different provider", provider),
	}
}

// NewTimeoutError creates a timeout error for an exhausted submit/poll budget.
func NewTimeoutError(provider string, message string) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Provider:   provider,
	}
}

// NewResultParseError creates an error for an unmappable 200 response.
func NewResultParseError(provider string, message string) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindResultParse,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindInvalidRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// quotaMarkers are free-text fragments vendors embed in error payloads
// (sometimes inside 200-status bodies) to signal throttling.
var quotaMarkers = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"too many requests",
	"insufficient balance",
	"throttl",
	"capacity",
	"resource exhausted",
}

// IsQuotaText reports whether a vendor error body carries a quota/throttle marker.
func IsQuotaText(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// ParseVendorError parses an error response from a vendor and returns an
// appropriate PipelineError. Quota markers are detected both via status code
// and via free-text scanning of the payload.
func ParseVendorError(provider string, statusCode int, body []byte, originalErr error) *PipelineError {
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResponse); err == nil {
		if errorResponse.Error.Message != "" {
			message = errorResponse.Error.Message
		} else if errorResponse.Message != "" {
			message = errorResponse.Message
		}
	}

	if statusCode == http.StatusTooManyRequests || IsQuotaText(message) {
		return NewQuotaExceededError(provider, message)
	}

	switch {
	case statusCode >= 400 && statusCode < 500:
		err := NewProviderError(provider, statusCode, message, originalErr)
		return err
	default:
		return NewProviderError(provider, http.StatusBadGateway, message, originalErr)
	}
}
