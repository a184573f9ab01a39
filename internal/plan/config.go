// Package plan turns a problem's data archive and config into a JudgePlan:
// a compile template, judge tasks with explicit dependencies, scoring
// groups and optionally a quiz answer key.
package plan

import (
	"taoj/internal/task"
)

// SpjMode is the numeric judging mode from config.json. It selects both
// the compile style and the check style.
type SpjMode int

const (
	SpjClassicCompare SpjMode = 0
	SpjClassicSpj     SpjMode = 1
	SpjHppDirect      SpjMode = 2
	SpjHppCompare     SpjMode = 3
	SpjHppSpj         SpjMode = 4
	SpjNoneSpj        SpjMode = 5
)

type compileType string

const (
	compileClassic         compileType = "classic"
	compileHpp             compileType = "hpp"
	compileHppPerTestpoint compileType = "hpp-per-testpoint"
	compileNone            compileType = "none"
)

type checkType string

const (
	checkCompare checkType = "compare"
	checkDirect  checkType = "direct"
	checkSpj     checkType = "spj"
)

// spjModes maps the numeric mode to compile and check styles.
var spjModes = map[SpjMode]struct {
	compile compileType
	check   checkType
}{
	SpjClassicCompare: {compileClassic, checkCompare},
	SpjClassicSpj:     {compileClassic, checkSpj},
	SpjHppDirect:      {compileHpp, checkDirect},
	SpjHppCompare:     {compileHpp, checkCompare},
	SpjHppSpj:         {compileHpp, checkSpj},
	SpjNoneSpj:        {compileNone, checkSpj},
}

// ConfigTestpoint is one entry of config.json's Details. Nil limits fall
// back to the defaults; DiskLimit's sign controls working-directory
// grouping and its absolute value is the byte budget.
type ConfigTestpoint struct {
	ID              int64  `json:"ID"`
	Dependency      int64  `json:"Dependency"`
	TimeLimit       *int64 `json:"TimeLimit"`
	MemoryLimit     *int64 `json:"MemoryLimit"`
	DiskLimit       *int64 `json:"DiskLimit"`
	FileNumberLimit *int64 `json:"FileNumberLimit"`
	ValgrindTestOn  bool   `json:"ValgrindTestOn"`
}

// ConfigGroup is one scoring group of config.json.
type ConfigGroup struct {
	GroupID    int64   `json:"GroupID"`
	GroupScore float64 `json:"GroupScore"`
	TestPoints []int64 `json:"TestPoints"`
	GroupName  string  `json:"GroupName"`
}

// ProblemConfig mirrors config.json.
type ProblemConfig struct {
	Details          []ConfigTestpoint `json:"Details"`
	Groups           []ConfigGroup     `json:"Groups"`
	SPJ              SpjMode           `json:"SPJ"`
	CompileTimeLimit *int64            `json:"CompileTimeLimit"`
	Scorer           int               `json:"Scorer"`
	SupportedFiles   []string          `json:"SupportedFiles"`
	Verilog          bool              `json:"Verilog"`
	Quiz             bool              `json:"Quiz"`
	RunnerGroup      string            `json:"RunnerGroup"`
}

const (
	problemConfigFilename = "config.json"
	quizFilename          = "quiz.json"

	checkerSourceFilename      = "spj.cpp"
	checkerPrecompiledFilename = "spj_bin"
	checkerExecFilename        = "checker"

	hppMainFilename    = "main.cpp"
	hppSrcFilename     = "src.hpp"
	hppSrcFilenameVlog = "answer.v"
)

const (
	secs      int64 = 1000
	mib       int64 = 1 << 20
	gib       int64 = 1 << 30
	unlimited       = task.Unlimited
)

var defaultCompileLimits = task.ResourceUsage{
	TimeMsecs:     30 * secs,
	MemoryBytes:   gib,
	FileCount:     unlimited,
	FileSizeBytes: unlimited,
}

var defaultRunLimits = task.ResourceUsage{
	TimeMsecs:     secs,
	MemoryBytes:   512 * mib,
	FileCount:     0,
	FileSizeBytes: 0,
}

var defaultCheckLimits = task.ResourceUsage{
	TimeMsecs:     10 * secs,
	MemoryBytes:   gib,
	FileCount:     unlimited,
	FileSizeBytes: unlimited,
}

// URLScheme prefixes object keys inside stored judge plans. The scheduler
// rewrites these to presigned URLs when binding a plan to a submission.
const URLScheme = "s3://"
