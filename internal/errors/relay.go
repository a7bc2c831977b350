package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// WebSocketError classifies a websocket read/write failure.
func WebSocketError(operation string, cause error) *AppError {
	code, severity := "WS_ERROR", SeverityMedium
	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code, severity = "WS_NORMAL_CLOSURE", SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	}
	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("WebSocket %s failed", operation)).
		WithSeverity(severity)
}

// SubscriptionError creates an error for subscription-related issues
func SubscriptionError(subID, reason string) *AppError {
	return New(ErrorTypeValidation, "SUBSCRIPTION_ERROR", fmt.Sprintf("Subscription error: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Subscription ID: %s", subID))
}

// ConnectionLimitError creates an error when connection limits are exceeded
func ConnectionLimitError(currentCount, maxCount int) *AppError {
	return New(ErrorTypeRateLimit, "CONNECTION_LIMIT_EXCEEDED",
		fmt.Sprintf("Connection limit exceeded: %d/%d", currentCount, maxCount)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many active connections. Please try again later.")
}

// DatabaseConnectionError creates an error for database connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "Database connection failed").
		WithSeverity(SeverityCritical)
}

// QueryTimeoutError creates an error for database query timeouts
func QueryTimeoutError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTimeout, "QUERY_TIMEOUT", fmt.Sprintf("Database %s timed out", operation)).
		WithSeverity(SeverityMedium)
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical)
}

// RegistryInvariantError reports disagreement between subscription indices.
// It always indicates a bug, never bad client input.
func RegistryInvariantError(index, detail string) *AppError {
	return New(ErrorTypeInternal, "REGISTRY_INVARIANT", fmt.Sprintf("Registry index %s inconsistent", index)).
		WithSeverity(SeverityHigh).
		WithDetails(detail)
}

// ExternalServiceError creates an error for external service failures
func ExternalServiceError(service, operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR",
		fmt.Sprintf("External service %s failed during %s", service, operation)).
		WithSeverity(SeverityMedium)
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeDatabase:
		return appErr.Severity != SeverityCritical
	case ErrorTypeRateLimit, ErrorTypeExternal:
		return true
	case ErrorTypeInternal:
		return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
	default:
		return false
	}
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return IsRecoverable(err)
}

func isTimeoutError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return stderrors.As(err, &opErr) && opErr.Op == "dial"
}
