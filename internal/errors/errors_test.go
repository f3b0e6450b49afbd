package errors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	classifier := NewErrorClassifier(logger)

	tests := []struct {
		name              string
		error             error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "network connection refused",
			error:             fmt.Errorf("dial tcp: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "timeout error",
			error:             fmt.Errorf("request: %w", context.DeadlineExceeded),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "rate limit code",
			error:             &APIError{Code: "AB1004", Message: "Something Went Wrong, Please Try After Sometime"},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "rate limit plain text body",
			error:             &APIError{HTTPStatus: http.StatusForbidden, Body: "Access denied because of exceeding access rate"},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "rate limit http status",
			error:             &APIError{HTTPStatus: http.StatusTooManyRequests},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "invalid token",
			error:             &APIError{Code: "AG8001", Message: "Invalid Token"},
			expectedType:      ErrorTypeAuthentication,
			expectedRetryable: false,
			expectedSeverity:  SeverityCritical,
		},
		{
			name:              "generic api error",
			error:             &APIError{Code: "AB2001", Message: "Internal Error"},
			expectedType:      ErrorTypeAPI,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "server error",
			error:             &APIError{HTTPStatus: http.StatusBadGateway, Message: "bad gateway"},
			expectedType:      ErrorTypeServerError,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "bad request",
			error:             &APIError{HTTPStatus: http.StatusBadRequest, Message: "bad request"},
			expectedType:      ErrorTypeBadRequest,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "malformed response",
			error:             fmt.Errorf("decode candles: %w", ErrMalformedResponse),
			expectedType:      ErrorTypeMalformed,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "canceled",
			error:             fmt.Errorf("wait: %w", context.Canceled),
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "unknown error",
			error:             fmt.Errorf("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.error, "test_component", "test_operation")

			assert.Equal(t, tt.expectedType, classified.Type, "Error type mismatch")
			assert.Equal(t, tt.expectedRetryable, classified.Retryable, "Retryable mismatch")
			assert.Equal(t, tt.expectedSeverity, classified.Severity, "Severity mismatch")
			assert.Equal(t, "test_component", classified.Component)
			assert.Equal(t, "test_operation", classified.Operation)
			assert.NotZero(t, classified.Timestamp)
		})
	}
}

func TestNetworkErrorDetection(t *testing.T) {
	tests := []struct {
		name     string
		error    error
		expected bool
	}{
		{
			name:     "connection refused",
			error:    fmt.Errorf("connection refused"),
			expected: true,
		},
		{
			name:     "dns resolution failed",
			error:    fmt.Errorf("lookup apiconnect.angelone.in: no such host"),
			expected: true,
		},
		{
			name:     "network unreachable",
			error:    fmt.Errorf("network unreachable"),
			expected: true,
		},
		{
			name:     "connection closed mid-body",
			error:    fmt.Errorf("read response: %w", io.ErrUnexpectedEOF),
			expected: true,
		},
		{
			name:     "connection closed before response",
			error:    fmt.Errorf("Post \"https://apiconnect.angelone.in\": %w", io.EOF),
			expected: true,
		},
		{
			name:     "symbol containing eof",
			error:    fmt.Errorf("no candles returned for GEOFIN"),
			expected: false,
		},
		{
			name:     "eof mentioned in text only",
			error:    fmt.Errorf("unexpected eof marker in file DATA_EOF.csv"),
			expected: false,
		},
		{
			name:     "not a network error",
			error:    fmt.Errorf("validation failed"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isNetworkError(tt.error))
		})
	}
}

func TestClassify_AlreadyClassified(t *testing.T) {
	original := Classify(&APIError{Code: "AB1004"}, "fetcher", "chunk")
	wrapped := fmt.Errorf("attempt 3: %w", original)

	again := Classify(wrapped, "other", "other")
	assert.Same(t, original, again)
	assert.True(t, again.Retryable)
	assert.True(t, IsRateLimit(wrapped))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	apiErr := &APIError{Code: "AG8002", Message: "Token Expired"}
	ce := Classify(apiErr, "exchange", "fetch_candles")

	var target *APIError
	require.ErrorAs(t, ce, &target)
	assert.Equal(t, "AG8002", target.Code)
	assert.ErrorIs(t, ce, &ClassifiedError{Type: ErrorTypeAuthentication})
	assert.Contains(t, ce.Error(), "[exchange/authentication] fetch_candles")
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "api error AB1004: slow down", (&APIError{Code: "AB1004", Message: "slow down"}).Error())
	assert.Equal(t, "api error: http 502: bad gateway", (&APIError{HTTPStatus: 502, Message: "bad gateway"}).Error())
	assert.Equal(t, "api error: empty", (&APIError{Message: "empty"}).Error())
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorType(""), GetErrorType(nil))
	assert.Equal(t, ErrorTypeRateLimit, GetErrorType(fmt.Errorf("Access denied because of exceeding access rate")))
	assert.Equal(t, ErrorTypeAuthentication, GetErrorType(fmt.Errorf("login: unauthorized")))
}

func TestErrorClassifier_Stats(t *testing.T) {
	classifier := NewErrorClassifier(nil)

	classifier.Classify(&APIError{Code: "AB1004"}, "fetcher", "chunk")
	classifier.Classify(&APIError{Code: "AB1004"}, "fetcher", "chunk")
	classifier.Classify(fmt.Errorf("connection reset by peer"), "fetcher", "chunk")

	stats := classifier.GetStats()
	assert.Equal(t, int64(2), stats[ErrorTypeRateLimit].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeNetwork].Count)
	assert.False(t, stats[ErrorTypeRateLimit].FirstSeen.After(stats[ErrorTypeRateLimit].LastSeen))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}
