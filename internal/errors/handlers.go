package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/Shugur-Network/broker/internal/logger"
	"github.com/Shugur-Network/broker/internal/metrics"
	"go.uber.org/zap"
)

// DatabaseHandler provides error handling specifically for database operations
type DatabaseHandler struct {
	logger *zap.Logger
}

// NewDatabaseHandler creates a new database error handler
func NewDatabaseHandler() *DatabaseHandler {
	return &DatabaseHandler{
		logger: logger.New("database_error_handler"),
	}
}

// HandleDatabaseError classifies, logs and wraps a database failure.
func (dh *DatabaseHandler) HandleDatabaseError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	switch {
	case stderrors.As(err, &appErr):
	case isConnectionError(err):
		appErr = DatabaseConnectionError(err)
	case isTimeoutError(err):
		appErr = QueryTimeoutError(operation, err)
	default:
		appErr = DatabaseError(operation, err)
	}

	dh.logger.Error("Database operation failed",
		zap.String("operation", operation),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
		zap.Error(err))
	metrics.ErrorsCount.WithLabelValues("database").Inc()

	return appErr
}

// RelayHandler provides error handling for relay-specific operations
type RelayHandler struct {
	logger *zap.Logger
}

// NewRelayHandler creates a new relay error handler
func NewRelayHandler() *RelayHandler {
	return &RelayHandler{
		logger: logger.New("relay_error_handler"),
	}
}

// HandleEventError processes event-related errors
func (rh *RelayHandler) HandleEventError(eventID, operation string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		if isTimeoutError(err) {
			appErr = QueryTimeoutError(operation, err)
		} else {
			appErr = InternalError(fmt.Sprintf("Event %s failed", operation), err)
		}
	}

	fields := []zap.Field{
		zap.String("event_id", eventID),
		zap.String("operation", operation),
		zap.String("error_code", appErr.Code),
		zap.Error(err),
	}
	if appErr.Severity == SeverityLow {
		rh.logger.Debug("Event operation failed", fields...)
	} else {
		rh.logger.Error("Event operation failed", fields...)
	}
	return appErr
}

// HandleSubscriptionError processes subscription-related errors
func (rh *RelayHandler) HandleSubscriptionError(subID, operation string, err error) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = SubscriptionError(subID, err.Error())
	}

	rh.logger.Debug("Subscription operation failed",
		zap.String("subscription_id", subID),
		zap.String("operation", operation),
		zap.String("error_code", appErr.Code),
		zap.Error(err))
	return appErr
}

// ReportRegistryInvariant logs an index inconsistency and counts it.
func (rh *RelayHandler) ReportRegistryInvariant(index, detail string) {
	appErr := RegistryInvariantError(index, detail)
	rh.logger.Error(appErr.Message,
		zap.String("error_code", appErr.Code),
		zap.String("details", appErr.Details))
	metrics.RegistryInvariantViolations.Inc()
	metrics.ErrorsCount.WithLabelValues("registry").Inc()
}
