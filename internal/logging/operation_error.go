package logging

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// OperationError records which operation failed and, for pipeline work, the
// job it was handling.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RequestID != "" {
		b.WriteString(" [job ")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err. A nil err stays nil. When err already carries
// a request id and requestID is empty, the inner id is kept.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	if requestID == "" {
		var inner *OperationError
		if errors.As(err, &inner) {
			requestID = inner.RequestID
		}
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// ErrorFields returns zap fields for err, adding the outermost operation and
// job id when err carries them.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		fields = append(fields, zap.String("failed_operation", opErr.Operation))
		if opErr.RequestID != "" {
			fields = append(fields, zap.String("request_id", opErr.RequestID))
		}
	}
	return fields
}
