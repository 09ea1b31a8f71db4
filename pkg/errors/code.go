package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Problem & test data errors
// 13000-13999: Submission & Judge dispatch errors
// 14000-14999: Contest errors
// 15000-15999: Judge node errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	LockFailed ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Message queue & storage (10400-10499)
	MQPublishFailed ErrorCode = 10400
	StorageError    ErrorCode = 10410

	// ========== Problem Errors (12000-12999) ==========

	ProblemNotFound ErrorCode = 12000

	// Test data (12100-12199)
	TestDataMissing   ErrorCode = 12100
	TestDataCorrupted ErrorCode = 12101

	// ========== Submission & Judge Dispatch Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SubmitTooFrequently    ErrorCode = 13004
	CodeTooShort           ErrorCode = 13005
	DuplicateSubmission    ErrorCode = 13006

	// Dispatch (13100-13199)
	JudgeQueueFull    ErrorCode = 13100
	JudgeSystemError  ErrorCode = 13101
	NoNodeAvailable   ErrorCode = 13110
	SyncFailure       ErrorCode = 13111
	RemoteReject      ErrorCode = 13112
	JudgeTimeout      ErrorCode = 13113
	MalformedResponse ErrorCode = 13114
	StaleAttempt      ErrorCode = 13115
	DispatcherStopped ErrorCode = 13116

	// ========== Contest Errors (14000-14999) ==========

	ContestNotFound      ErrorCode = 14000
	ContestProblemAbsent ErrorCode = 14001

	// ========== Judge Node Errors (15000-15999) ==========

	NodeNotFound    ErrorCode = 15000
	NodeUnreachable ErrorCode = 15001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",
	LockFailed: "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// MQ & storage
	MQPublishFailed: "Failed to publish message",
	StorageError:    "Object storage operation failed",

	// Problem
	ProblemNotFound:   "Problem not found",
	TestDataMissing:   "Test data package not found",
	TestDataCorrupted: "Test data package is corrupted",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SubmitTooFrequently:    "Submitting too frequently, please wait",
	CodeTooShort:           "Code is too short",
	DuplicateSubmission:    "The same code has already been submitted",

	// Dispatch
	JudgeQueueFull:    "Judge queue is full, please try again later",
	JudgeSystemError:  "Judge system error",
	NoNodeAvailable:   "No judge node available",
	SyncFailure:       "Failed to synchronize test data",
	RemoteReject:      "Judge node rejected the request",
	JudgeTimeout:      "Judge request timed out",
	MalformedResponse: "Malformed response from judge node",
	StaleAttempt:      "A newer judge has started for this submission",
	DispatcherStopped: "Dispatcher is stopped",

	// Contest
	ContestNotFound:      "Contest not found",
	ContestProblemAbsent: "Problem is not part of this contest",

	// Node
	NodeNotFound:    "Judge node not found",
	NodeUnreachable: "Judge node is unreachable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Retryable reports whether a dispatch attempt failing with this code may be retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case NoNodeAvailable, SyncFailure, RemoteReject, JudgeTimeout, MalformedResponse,
		NodeUnreachable, Timeout, DatabaseError, CacheError:
		return true
	default:
		return false
	}
}

// IsValidation reports whether the code belongs to the validation class
func (c ErrorCode) IsValidation() bool {
	switch {
	case c >= 10300 && c < 10400:
		return true
	case c >= CodeTooLarge && c <= DuplicateSubmission:
		return true
	case c == ContestProblemAbsent:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == RecordNotFound, c == ProblemNotFound, c == SubmissionNotFound,
		c == ContestNotFound, c == NodeNotFound:
		return 404
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == DuplicateSubmission, c == RecordAlreadyExists:
		return 409
	case c == ServiceUnavailable, c == NoNodeAvailable, c == DispatcherStopped:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == CodeTooLarge, c == CodeTooShort, c == LanguageNotSupported,
		c == ContestProblemAbsent:
		return 400
	default:
		return 500
	}
}
