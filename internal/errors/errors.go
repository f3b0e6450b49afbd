// Package errors provides error classification for the updater.
// It maps broker, network and storage failures onto the retry taxonomy used by
// the chunked fetcher: transient failures are retried with a fixed delay,
// rate limits with a longer delay, and everything else is not retried.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // Broker access rate exceeded
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeAPI         ErrorType = "api"          // Generic broker error response

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // Session or credential failures
	ErrorTypeBadRequest     ErrorType = "bad_request"    // HTTP 4xx errors (except rate limit)
	ErrorTypeMalformed      ErrorType = "malformed"      // Undecodable or empty response
	ErrorTypeValidation     ErrorType = "validation"     // Data validation errors
	ErrorTypeConfiguration  ErrorType = "configuration"  // Configuration errors
	ErrorTypeCanceled       ErrorType = "canceled"       // Caller gave up

	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrMalformedResponse marks a broker response that could not be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// Broker error codes with a dedicated meaning.
var (
	rateLimitCodes = map[string]bool{"AB1004": true}
	authCodes      = map[string]bool{"AG8001": true, "AG8002": true, "AG8003": true, "AB1010": true}
)

// rateLimitMarker is the text of the plain-text body the broker returns when
// its access rate is exceeded.
const rateLimitMarker = "exceeding access rate"

// APIError is an error reported by the broker, either as a JSON envelope with
// an error code or as a non-2xx HTTP response.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
	Body       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	case e.HTTPStatus != 0:
		return fmt.Sprintf("api error: http %d: %s", e.HTTPStatus, e.Message)
	default:
		return fmt.Sprintf("api error: %s", e.Message)
	}
}

// IsRateLimit reports whether the broker signalled an exceeded access rate.
func (e *APIError) IsRateLimit() bool {
	return rateLimitCodes[e.Code] ||
		e.HTTPStatus == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(e.Body), rateLimitMarker) ||
		strings.Contains(strings.ToLower(e.Message), rateLimitMarker)
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorStats tracks error statistics for the run summary
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ErrorClassifier classifies errors and keeps per-type counts
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// Classify classifies err without recording statistics.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryable(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// classifyErrorType determines the error type based on the error content
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	if errors.Is(err, ErrMalformedResponse) {
		return ErrorTypeMalformed
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}

	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, rateLimitMarker) ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "invalid token") {
		return ErrorTypeAuthentication
	}

	if strings.Contains(errStr, "validation") {
		return ErrorTypeValidation
	}

	if strings.Contains(errStr, "config") ||
		strings.Contains(errStr, "not configured") {
		return ErrorTypeConfiguration
	}

	if strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "service unavailable") {
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}

func classifyAPIError(e *APIError) ErrorType {
	switch {
	case e.IsRateLimit():
		return ErrorTypeRateLimit
	case authCodes[e.Code],
		e.HTTPStatus == http.StatusUnauthorized,
		e.HTTPStatus == http.StatusForbidden:
		return ErrorTypeAuthentication
	case e.HTTPStatus >= 500:
		return ErrorTypeServerError
	case e.HTTPStatus >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeAPI
	}
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"network unreachable",
		"no such host",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeAuthentication, ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeBadRequest, ErrorTypeValidation, ErrorTypeMalformed:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryable determines if an error type should be retried
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeAPI:
		return true
	case ErrorTypeAuthentication, ErrorTypeBadRequest, ErrorTypeMalformed,
		ErrorTypeValidation, ErrorTypeConfiguration, ErrorTypeCanceled:
		return false
	default:
		// Unknown errors count as transient
		return true
	}
}

// updateStats updates error statistics
func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}

	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}

	return stats
}

// Utility functions

// IsRateLimit reports whether err is, or classifies as, a rate limit.
func IsRateLimit(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// GetErrorType extracts the error type, classifying err if needed
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return classifyErrorType(err)
}

