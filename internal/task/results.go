package task

// ResultKind classifies the outcome of a compile, run, check or whole
// submission.
type ResultKind string

const (
	ResultAccepted            ResultKind = "accepted"
	ResultCompileError        ResultKind = "compile_error"
	ResultRuntimeError        ResultKind = "runtime_error"
	ResultTimeLimitExceeded   ResultKind = "time_limit_exceeded"
	ResultMemoryLimitExceeded ResultKind = "memory_limit_exceeded"
	ResultDiskLimitExceeded   ResultKind = "disk_limit_exceeded"
	ResultMemoryLeak          ResultKind = "memory_leak"
	ResultWrongAnswer         ResultKind = "wrong_answer"
	ResultSkipped             ResultKind = "skipped"
	ResultAborted             ResultKind = "aborted"
	ResultSystemError         ResultKind = "system_error"
	ResultBadProblem          ResultKind = "bad_problem"

	// interim states used for polling, never terminal
	ResultJudging ResultKind = "judging"
	ResultPending ResultKind = "pending"

	// compile step success
	ResultCompiled ResultKind = "compiled"
)

// Terminal reports whether the kind is a final testpoint verdict.
func (k ResultKind) Terminal() bool {
	return k != ResultJudging && k != ResultPending && k != ""
}

// Result is what a runner reports back for a finished task.
type Result interface{ isResult() }

// CompileResult is the outcome of a CompileTask. Result is ResultCompiled on
// success; Message carries compiler diagnostics or notes (e.g. the git
// commit in use).
type CompileResult struct {
	Result  ResultKind `json:"result"`
	Message string     `json:"message"`
}

// TestpointJudgeResult is the per-testpoint verdict.
type TestpointJudgeResult struct {
	TestpointID   string         `json:"testpoint_id"`
	Result        ResultKind     `json:"result"`
	Message       string         `json:"message"`
	Score         float64        `json:"score"`
	ResourceUsage *ResourceUsage `json:"resource_usage"`
}

// JudgeResult is the outcome of a JudgeTask. Entries may be nil while the
// task is still in progress.
type JudgeResult struct {
	Testpoints []*TestpointJudgeResult `json:"testpoints"`
}

func (*CompileResult) isResult() {}
func (*JudgeResult) isResult()   {}

// GroupJudgeResult aggregates the testpoints of one scoring group.
type GroupJudgeResult struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Result     ResultKind              `json:"result"`
	Testpoints []*TestpointJudgeResult `json:"testpoints"`
	Score      float64                 `json:"score"`
}

// ProblemJudgeResult is the terminal, user-visible artifact of judging one
// submission.
type ProblemJudgeResult struct {
	Result        ResultKind          `json:"result"`
	Message       string              `json:"message"`
	Score         float64             `json:"score"`
	ResourceUsage *ResourceUsage      `json:"resource_usage"`
	Groups        []*GroupJudgeResult `json:"groups"`
}

// StatusUpdate is a message a runner emits about an in-flight task.
type StatusUpdate interface{ isStatusUpdate() }

// StatusUpdateStarted reports that a runner picked the task up.
type StatusUpdateStarted struct{}

// StatusUpdateProgress carries a partial result of a multi-testpoint task.
type StatusUpdateProgress struct {
	Result Result `json:"result"`
}

// StatusUpdateDone carries the final result.
type StatusUpdateDone struct {
	Result Result `json:"result"`
}

// StatusUpdateError reports that the runner failed to execute the task; the
// scheduler treats it as retryable.
type StatusUpdateError struct {
	Message string `json:"message"`
}

func (*StatusUpdateStarted) isStatusUpdate()  {}
func (*StatusUpdateProgress) isStatusUpdate() {}
func (*StatusUpdateDone) isStatusUpdate()     {}
func (*StatusUpdateError) isStatusUpdate()    {}
