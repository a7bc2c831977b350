package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketErrorCodes(t *testing.T) {
	cases := []struct {
		cause    error
		code     string
		severity ErrorSeverity
	}{
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, "WS_NORMAL_CLOSURE", SeverityLow},
		{&websocket.CloseError{Code: websocket.CloseAbnormalClosure}, "WS_ABNORMAL_CLOSURE", SeverityMedium},
		{&websocket.CloseError{Code: websocket.CloseInternalServerErr}, "WS_UNEXPECTED_CLOSURE", SeverityMedium},
		{stderrors.New("boom"), "WS_ERROR", SeverityMedium},
	}
	for _, tc := range cases {
		err := WebSocketError("read", tc.cause)
		assert.Equal(t, tc.code, err.Code)
		assert.Equal(t, tc.severity, err.Severity)
		assert.ErrorIs(t, err, tc.cause)
	}
}

func TestRetryPolicy(t *testing.T) {
	cause := stderrors.New("io")

	assert.True(t, IsRecoverable(DatabaseError("save", cause)))
	assert.False(t, IsRecoverable(DatabaseConnectionError(cause)))
	assert.True(t, IsRecoverable(ExternalServiceError("amqp", "dial", cause)))
	assert.False(t, IsRecoverable(ConfigurationError("database.url", "missing")))
	assert.False(t, IsRecoverable(cause))

	assert.True(t, ShouldRetry(DatabaseError("save", cause), 1, 3))
	assert.False(t, ShouldRetry(DatabaseError("save", cause), 3, 3))
}

func TestHandleDatabaseErrorClassifies(t *testing.T) {
	assert.NoError(t, HandleDatabaseError("noop", nil))

	var appErr *AppError
	err := HandleDatabaseError("query", context.DeadlineExceeded)
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, "QUERY_TIMEOUT", appErr.Code)

	dial := &net.OpError{Op: "dial", Net: "tcp", Err: stderrors.New("refused")}
	err = HandleDatabaseError("connect", dial)
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, "DB_CONNECTION_ERROR", appErr.Code)

	original := ExternalServiceError("postgres", "close", stderrors.New("x"))
	assert.Same(t, original, HandleDatabaseError("close", original))
}

func TestRegistryInvariantCarriesDetail(t *testing.T) {
	err := RegistryInvariantError("filter_conns", "filter abc has no interned entry")
	assert.Equal(t, "REGISTRY_INVARIANT", err.Code)
	assert.Contains(t, err.Error(), "filter abc has no interned entry")

	ReportRegistryInvariant("filter_conns", "logged and counted")
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PANIC_RECOVERED", body.Error.Code)
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestConnectionLimitResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHTTPError(rec, httptest.NewRequest(http.MethodGet, "/", nil), ConnectionLimitError(10, 10))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Too many active connections. Please try again later.", body.Error.Message)
}
