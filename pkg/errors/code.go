package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Problem & Plan errors
// 12000-12999: Submission & Judge errors
// 13000-13999: Runner & Sandbox errors
// 14000-14999: Storage & Queue errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006
	Canceled            ErrorCode = 10007

	// ========== Problem & Plan Errors (11000-11999) ==========

	// Problem data (11000-11099)
	ProblemNotFound    ErrorCode = 11000
	InvalidProblem     ErrorCode = 11001
	ProblemDataMissing ErrorCode = 11002

	// Plan compilation (11100-11199)
	PlanNotFound         ErrorCode = 11100
	PlanGenerationFailed ErrorCode = 11101
	DependencyCycle      ErrorCode = 11102
	CheckerCompileFailed ErrorCode = 11103

	// ========== Submission & Judge Errors (12000-12999) ==========

	// Submission (12000-12099)
	SubmissionNotFound   ErrorCode = 12000
	InvalidCode          ErrorCode = 12001
	LanguageNotSupported ErrorCode = 12002
	CodeTooLarge         ErrorCode = 12003

	// Judging (12100-12199)
	JudgeSystemError ErrorCode = 12100
	JudgeAborted     ErrorCode = 12101
	QuizAnswerError  ErrorCode = 12102

	// ========== Runner & Sandbox Errors (13000-13999) ==========

	// Runner (13000-13099)
	RunnerOffline      ErrorCode = 13000
	RunnerBusy         ErrorCode = 13001
	TaskPickupTimeout  ErrorCode = 13002
	TaskRetriesExhaust ErrorCode = 13003

	// Sandbox (13100-13199)
	SandboxSetupFailed ErrorCode = 13100
	SandboxRunFailed   ErrorCode = 13101

	// ========== Storage & Queue Errors (14000-14999) ==========

	// Object storage (14000-14099)
	StorageError     ErrorCode = 14000
	ObjectNotFound   ErrorCode = 14001
	UploadFailed     ErrorCode = 14002
	DownloadFailed   ErrorCode = 14003
	PresignFailed    ErrorCode = 14004
	CacheFetchFailed ErrorCode = 14005

	// Queue (14100-14199)
	QueueError      ErrorCode = 14100
	TaskBodyMissing ErrorCode = 14101
)

// errorMessages maps error codes to default messages
var errorMessages = map[ErrorCode]string{
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service unavailable",
	Timeout:             "Operation timed out",
	Canceled:            "Operation canceled",

	// Problem data
	ProblemNotFound:    "Problem not found",
	InvalidProblem:     "Invalid problem data",
	ProblemDataMissing: "Problem data file missing",

	// Plan compilation
	PlanNotFound:         "Judge plan not found",
	PlanGenerationFailed: "Failed to generate judge plan",
	DependencyCycle:      "Dependency cycle in judge plan",
	CheckerCompileFailed: "Failed to compile checker",

	// Submission
	SubmissionNotFound:   "Submission not found",
	InvalidCode:          "Invalid submission",
	LanguageNotSupported: "Programming language not supported",
	CodeTooLarge:         "Code is too large",

	// Judging
	JudgeSystemError: "Judge system error",
	JudgeAborted:     "Judging aborted",
	QuizAnswerError:  "Invalid quiz answers",

	// Runner & sandbox
	RunnerOffline:      "Runner is offline",
	RunnerBusy:         "Runner is busy",
	TaskPickupTimeout:  "No runner picked up the task in time",
	TaskRetriesExhaust: "Task failed after all retries",
	SandboxSetupFailed: "Failed to set up sandbox",
	SandboxRunFailed:   "Sandbox run failed",

	// Storage & queue
	StorageError:     "Object storage error",
	ObjectNotFound:   "Object not found",
	UploadFailed:     "Failed to upload object",
	DownloadFailed:   "Failed to download object",
	PresignFailed:    "Failed to presign URL",
	CacheFetchFailed: "Failed to fetch cached file",
	QueueError:       "Task queue error",
	TaskBodyMissing:  "Task body expired or missing",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus maps the error code to an HTTP status code
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return http.StatusOK
	case InvalidParams, InvalidProblem, InvalidCode, LanguageNotSupported, CodeTooLarge, QuizAnswerError:
		return http.StatusBadRequest
	case NotFound, ProblemNotFound, PlanNotFound, SubmissionNotFound, ObjectNotFound:
		return http.StatusNotFound
	case TooManyRequests:
		return http.StatusTooManyRequests
	case ServiceUnavailable, RunnerOffline:
		return http.StatusServiceUnavailable
	case Timeout, TaskPickupTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
