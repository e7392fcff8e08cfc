package claims

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrRemoteSigning indicates that the signing round-trip did not produce a usable
	// signature. The consumed credential is not restored.
	ErrRemoteSigning = errors.New("claims: remote signing failed")
	// ErrAttemptExpired indicates an attempt failed by the watchdog.
	ErrAttemptExpired = errors.New("claims: attempt expired")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a "<operation>.<reason>" code for infrastructure failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "claims.service.new"
	opCoordinatorNew  = "claims.coordinator.new"
	opAttemptStoreNew = "claims.attempt_store.new"
	opRecordAttempt   = "claims.record_attempt"
	opDispatch        = "claims.dispatch"
	opClaim           = "claims.claim"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("claims service error", attrs...)
}
