package task

import (
	"fmt"
	"reflect"
)

// The registry is closed: only types listed here may appear inside a
// {type, value} envelope. Unknown names are a decoding error.
var (
	registry  = map[string]reflect.Type{}
	typeNames = map[reflect.Type]string{}
)

func register(name string, v any) {
	t := reflect.TypeOf(v)
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("task: register %s: not a struct", name))
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("task: register %s: duplicate name", name))
	}
	registry[name] = t
	typeNames[t] = name
}

func init() {
	register("ResourceUsage", ResourceUsage{})
	register("SourceLocation", SourceLocation{})

	register("CompileSourceCpp", CompileSourceCpp{})
	register("CompileSourceGit", CompileSourceGit{})
	register("CompileSourceVerilog", CompileSourceVerilog{})
	register("Artifact", Artifact{})
	register("CompileTask", CompileTask{})
	register("RunArgs", RunArgs{})
	register("CompareChecker", CompareChecker{})
	register("DirectChecker", DirectChecker{})
	register("SpjChecker", SpjChecker{})
	register("Testpoint", Testpoint{})
	register("JudgeTask", JudgeTask{})

	register("UserCode", UserCode{})
	register("CompileTaskPlan", CompileTaskPlan{})
	register("JudgeTaskPlan", JudgeTaskPlan{})
	register("TestpointGroup", TestpointGroup{})
	register("QuizOption", QuizOption{})
	register("QuizProblem", QuizProblem{})
	register("JudgePlan", JudgePlan{})

	register("CompileResult", CompileResult{})
	register("TestpointJudgeResult", TestpointJudgeResult{})
	register("JudgeResult", JudgeResult{})
	register("GroupJudgeResult", GroupJudgeResult{})
	register("ProblemJudgeResult", ProblemJudgeResult{})

	register("StatusUpdateStarted", StatusUpdateStarted{})
	register("StatusUpdateProgress", StatusUpdateProgress{})
	register("StatusUpdateDone", StatusUpdateDone{})
	register("StatusUpdateError", StatusUpdateError{})
}
