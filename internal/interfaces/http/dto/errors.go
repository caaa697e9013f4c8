package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
	// ErrCodeUnavailable is used when the coordinator is not accepting work
	ErrCodeUnavailable = "ERR_UNAVAILABLE"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeValidationRequired is used when a required field is missing
	ErrCodeValidationRequired = "ERR_VALIDATION_REQUIRED"
	// ErrCodeValidationFormat is used when a field has invalid format
	ErrCodeValidationFormat = "ERR_VALIDATION_FORMAT"
	// ErrCodeValidationNumber is used when an amount is not a valid decimal
	ErrCodeValidationNumber = "ERR_VALIDATION_NUMBER"
	// ErrCodeValidationDate is used when a date or time does not parse
	ErrCodeValidationDate = "ERR_VALIDATION_DATE"
	// ErrCodeValidationSeparator is used when a hashed field contains the chain separator
	ErrCodeValidationSeparator = "ERR_VALIDATION_SEPARATOR"
)

// Resource error codes
const (
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeConflict is used for general resource conflicts
	ErrCodeConflict = "ERR_CONFLICT"
	// ErrCodeTaskInFlight is used when a task was already picked up by a worker
	ErrCodeTaskInFlight = "ERR_TASK_IN_FLIGHT"
)

// Fiscal chain error codes
const (
	// ErrCodeInvalidState is used when an operation is invalid for the record's state
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	// ErrCodeChainIntegrity is used when a chain head precondition failed
	ErrCodeChainIntegrity = "ERR_CHAIN_INTEGRITY"
	// ErrCodeEntityHalted is used when the entity stopped accepting records
	ErrCodeEntityHalted = "ERR_ENTITY_HALTED"
	// ErrCodeNotHalted is used when releasing an entity that is not halted
	ErrCodeNotHalted = "ERR_NOT_HALTED"
)

// Input error codes
const (
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Backpressure error codes
const (
	// ErrCodeQueueFull is used when the coordinator queue is at capacity
	ErrCodeQueueFull = "ERR_QUEUE_FULL"
	// ErrCodeRateLimited is used when a client exceeds its request rate
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
	// ErrCodeTimeout is used when a synchronous wait ran out of time
	ErrCodeTimeout = "ERR_TIMEOUT"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:     http.StatusInternalServerError,
	ErrCodeInternal:    http.StatusInternalServerError,
	ErrCodeUnavailable: http.StatusServiceUnavailable,

	// Validation errors -> 400 Bad Request
	ErrCodeValidation:          http.StatusBadRequest,
	ErrCodeValidationRequired:  http.StatusBadRequest,
	ErrCodeValidationFormat:    http.StatusBadRequest,
	ErrCodeValidationNumber:    http.StatusBadRequest,
	ErrCodeValidationDate:      http.StatusBadRequest,
	ErrCodeValidationSeparator: http.StatusBadRequest,

	ErrCodeNotFound:     http.StatusNotFound,
	ErrCodeConflict:     http.StatusConflict,
	ErrCodeTaskInFlight: http.StatusConflict,

	// Chain errors
	ErrCodeInvalidState:   http.StatusUnprocessableEntity,
	ErrCodeChainIntegrity: http.StatusConflict,
	ErrCodeEntityHalted:   http.StatusLocked,
	ErrCodeNotHalted:      http.StatusUnprocessableEntity,

	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidJSON:     http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeQueueFull:   http.StatusTooManyRequests,
	ErrCodeRateLimited: http.StatusTooManyRequests,
	ErrCodeTimeout:     http.StatusGatewayTimeout,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
