package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for staging operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeUnsupportedType   ErrorCode = 1001
	ErrCodeContractViolation ErrorCode = 1002

	// Server errors
	ErrCodeInternal        ErrorCode = 2000
	ErrCodeUnavailable     ErrorCode = 2001
	ErrCodeDeserialization ErrorCode = 2002
	ErrCodeChecksumFailed  ErrorCode = 2003
	ErrCodeTransportFailed ErrorCode = 2004
	ErrCodeCommitLogFailed ErrorCode = 2005
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnsupportedType:
		return codes.InvalidArgument
	case ErrCodeContractViolation:
		return codes.FailedPrecondition
	case ErrCodeDeserialization, ErrCodeChecksumFailed:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func UnsupportedType(v interface{}) *StorageError {
	return NewStorageError(ErrCodeUnsupportedType, fmt.Sprintf("unsupported quantity type %T", v), nil).
		WithDetail("type", fmt.Sprintf("%T", v))
}

// ContractViolation signals a programming error in the owner of a staging
// structure, e.g. a second transport or an insert after transport.
func ContractViolation(message string) *StorageError {
	return NewStorageError(ErrCodeContractViolation, message, nil)
}

// Deserialization signals corrupt or truncated bytes. Callers must not mask it.
func Deserialization(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeDeserialization, message, cause)
}

func ChecksumFailed(expected, actual uint32) *StorageError {
	return NewStorageError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// TransportFailed wraps an error returned by a permanent store. The cause is
// kept as is so errors.Is still matches the store's error.
func TransportFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeTransportFailed, message, cause)
}

func CommitLogFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCommitLogFailed, message, cause)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeUnavailable, message, cause)
}

// IsStorageError checks if an error is, or wraps, a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
