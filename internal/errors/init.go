package errors

import (
	"net/http"
	"sync"

	"github.com/Shugur-Network/broker/internal/logger"
	"go.uber.org/zap"
)

var (
	initOnce sync.Once

	globalErrorMiddleware *ErrorMiddleware
	globalDatabaseHandler *DatabaseHandler
	globalRelayHandler    *RelayHandler
)

// InitErrorHandling initializes the global error handling system
func InitErrorHandling() {
	initOnce.Do(func() {
		globalErrorMiddleware = NewErrorMiddleware()
		globalDatabaseHandler = NewDatabaseHandler()
		globalRelayHandler = NewRelayHandler()

		logger.Debug("Error handling system initialized",
			zap.String("component", "error_middleware"))
	})
}

func errorMiddleware() *ErrorMiddleware {
	InitErrorHandling()
	return globalErrorMiddleware
}

func databaseHandler() *DatabaseHandler {
	InitErrorHandling()
	return globalDatabaseHandler
}

func relayHandler() *RelayHandler {
	InitErrorHandling()
	return globalRelayHandler
}

// HandleHTTPError is a convenience function for handling HTTP errors
func HandleHTTPError(w http.ResponseWriter, r *http.Request, err error) {
	errorMiddleware().HandleError(w, r, err)
}

// HandleDatabaseError is a convenience function for handling database errors
func HandleDatabaseError(operation string, err error) error {
	return databaseHandler().HandleDatabaseError(operation, err)
}

// HandleEventError is a convenience function for handling event errors
func HandleEventError(eventID, operation string, err error) error {
	return relayHandler().HandleEventError(eventID, operation, err)
}

// HandleSubscriptionError is a convenience function for handling subscription errors
func HandleSubscriptionError(subID, operation string, err error) error {
	return relayHandler().HandleSubscriptionError(subID, operation, err)
}

// ReportRegistryInvariant is a convenience wrapper around the relay handler.
func ReportRegistryInvariant(index, detail string) {
	relayHandler().ReportRegistryInvariant(index, detail)
}

// RecoveryMiddleware returns a middleware that recovers from panics
func RecoveryMiddleware(next http.Handler) http.Handler {
	return errorMiddleware().RecoveryMiddleware(next)
}
