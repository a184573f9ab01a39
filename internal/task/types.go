// Package task defines the wire data model shared between the scheduler and
// the runners: compile/judge tasks, checkers, results, status updates and the
// judge plan, together with the {type, value} envelope codec used to move
// them through the queue and blob storage.
package task

// FileURL refers to an object by URL. Inside stored judge plans the URL uses
// the s3:// scheme and is rewritten to a presigned URL when the plan is bound
// to a submission.
type FileURL string

// CodeLanguage is the language a submission was made in.
type CodeLanguage string

const (
	LanguageCpp     CodeLanguage = "cpp"
	LanguageGit     CodeLanguage = "git"
	LanguageVerilog CodeLanguage = "verilog"
	LanguageQuiz    CodeLanguage = "quiz"
)

// SourceLocation points at the submitted code in blob storage.
type SourceLocation struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ResourceUsage carries resource limits when used as a constraint and
// measured usage when returned from a run. -1 means unlimited or unmeasured.
type ResourceUsage struct {
	TimeMsecs     int64 `json:"time_msecs"`
	MemoryBytes   int64 `json:"memory_bytes"`
	FileCount     int64 `json:"file_count"`
	FileSizeBytes int64 `json:"file_size_bytes"`
}

const Unlimited int64 = -1

// Task is a unit of work dispatched to a runner.
type Task interface{ isTask() }

// Input is what a testpoint runs or checks: a prebuilt artifact, an inline
// compile task, or (in unresolved plans) a user-code placeholder or a
// compile-task template.
type Input interface{ isInput() }

// CompileSource selects the toolchain a compile task uses.
type CompileSource interface{ isCompileSource() }

// PlanSource is a compile-task-plan source: a concrete CompileSource or a
// UserCode placeholder filled in per submission.
type PlanSource interface{ isPlanSource() }

// SupplementaryFile is either a FileURL or a UserCode placeholder.
type SupplementaryFile interface{ isSupplementaryFile() }

// Checker decides the verdict for a produced output.
type Checker interface{ isChecker() }

type CompileSourceCpp struct {
	Main FileURL `json:"main"`
}

type CompileSourceGit struct {
	URL string `json:"url"`
}

type CompileSourceVerilog struct {
	Main FileURL `json:"main"`
}

// Artifact references a previously produced file, usually a compiled binary.
type Artifact struct {
	URL FileURL `json:"url"`
}

// CompileTask builds one executable from a source plus supplementary files.
// If Artifact is set the result is uploaded there, otherwise it is kept in
// the runner's local cache.
type CompileTask struct {
	Source             CompileSource `json:"source"`
	SupplementaryFiles []FileURL     `json:"supplementary_files"`
	Artifact           *Artifact     `json:"artifact"`
	Limits             ResourceUsage `json:"limits"`
}

// RunType selects how an executable is invoked.
type RunType string

const (
	RunTypeElf      RunType = "elf"
	RunTypeValgrind RunType = "valgrind"
	RunTypeVerilog  RunType = "verilog"
)

// RunArgs describes how to execute a testpoint's program.
type RunArgs struct {
	Type               RunType       `json:"type"`
	Limits             ResourceUsage `json:"limits"`
	Infile             FileURL       `json:"infile"`
	SupplementaryFiles []FileURL     `json:"supplementary_files"`
}

type CompareChecker struct {
	IgnoreWhitespace bool    `json:"ignore_whitespace"`
	Answer           FileURL `json:"answer"`
}

type DirectChecker struct{}

// SpjChecker runs a problem-supplied program to grade the output.
type SpjChecker struct {
	Format             string        `json:"format"` // "checker" or "scorer"
	Executable         Input         `json:"executable"`
	Answer             FileURL       `json:"answer"`
	SupplementaryFiles []FileURL     `json:"supplementary_files"`
	Limits             ResourceUsage `json:"limits"`
}

const (
	SpjFormatChecker = "checker"
	SpjFormatScorer  = "scorer"
)

// Testpoint is one input/check pair. DependentOn names another testpoint in
// the same plan whose acceptance gates this one; empty means no dependency.
// A nil Run means the input is checked directly without execution.
type Testpoint struct {
	ID          string   `json:"id"`
	DependentOn string   `json:"dependent_on"`
	Input       Input    `json:"input"`
	Run         *RunArgs `json:"run"`
	Check       Checker  `json:"check"`
}

// JudgeTask is the unit of dispatch: an ordered list of testpoints executed
// in one runner invocation, sharing a working directory.
type JudgeTask struct {
	Testpoints []*Testpoint `json:"testpoints"`
}

func (*CompileTask) isTask() {}
func (*JudgeTask) isTask()   {}

func (*CompileTask) isInput() {}
func (*Artifact) isInput()    {}

func (*CompileSourceCpp) isCompileSource()     {}
func (*CompileSourceGit) isCompileSource()     {}
func (*CompileSourceVerilog) isCompileSource() {}

func (*CompileSourceCpp) isPlanSource()     {}
func (*CompileSourceGit) isPlanSource()     {}
func (*CompileSourceVerilog) isPlanSource() {}

func (*CompareChecker) isChecker() {}
func (*DirectChecker) isChecker()  {}
func (*SpjChecker) isChecker()     {}

func (FileURL) isSupplementaryFile() {}

// UserCode is a plan-stage placeholder resolved to the submission's code
// when the plan is bound to a concrete submission. Filename overrides the
// name the code is materialized under.
type UserCode struct {
	Filename string `json:"filename"`
}

func (*UserCode) isInput()             {}
func (*UserCode) isPlanSource()        {}
func (*UserCode) isSupplementaryFile() {}

// CompileTaskPlan is the template a CompileTask is instantiated from.
// A nil Source marks a per-testpoint compile template.
type CompileTaskPlan struct {
	Source             PlanSource          `json:"source"`
	SupplementaryFiles []SupplementaryFile `json:"supplementary_files"`
	Artifact           bool                `json:"artifact"`
	Limits             ResourceUsage       `json:"limits"`
}

func (*CompileTaskPlan) isInput() {}

// JudgeTaskPlan wraps a JudgeTask with dependency edges at task granularity.
// Dependencies and Dependents are indices into JudgePlan.Judge.
type JudgeTaskPlan struct {
	Task         *JudgeTask `json:"task"`
	Dependencies []int      `json:"dependencies"`
	Dependents   []int      `json:"dependents"`
}

// TestpointGroup is a scoring group. Score is the group's weight: the group
// is worth Score × min(member testpoint scores).
type TestpointGroup struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Testpoints []string `json:"testpoints"`
	Score      float64  `json:"score"`
}

// QuizOption is one choice of a select-type quiz problem.
type QuizOption struct {
	Value string `json:"value"`
	Text  string `json:"text"`
}

// QuizProblem is one question of a quiz problem's answer key.
type QuizProblem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"` // "SELECT"
	Title   string        `json:"title"`
	Options []*QuizOption `json:"options"`
	Answer  string        `json:"answer"`
}

const QuizTypeSelect = "SELECT"

// JudgePlan is the compiled, immutable description of how to judge any
// submission to a problem. Regenerated wholesale on problem update.
type JudgePlan struct {
	Compile *CompileTaskPlan  `json:"compile"`
	Judge   []*JudgeTaskPlan  `json:"judge"`
	Score   []*TestpointGroup `json:"score"`
	Quiz    []*QuizProblem    `json:"quiz"`
	Group   string            `json:"group"`
}
