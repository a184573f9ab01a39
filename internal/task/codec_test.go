package task

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func sampleJudgeTask() *JudgeTask {
	return &JudgeTask{
		Testpoints: []*Testpoint{
			{
				ID:    "1",
				Input: &Artifact{URL: "s3://1/main"},
				Run: &RunArgs{
					Type:               RunTypeElf,
					Limits:             ResourceUsage{TimeMsecs: 1000, MemoryBytes: 512 << 20, FileCount: 0, FileSizeBytes: 0},
					Infile:             "s3://1/1.in",
					SupplementaryFiles: []FileURL{},
				},
				Check: &CompareChecker{IgnoreWhitespace: true, Answer: "s3://1/1.ans"},
			},
			{
				ID:          "2",
				DependentOn: "1",
				Input: &CompileTask{
					Source:             &CompileSourceCpp{Main: "s3://1/2.cpp"},
					SupplementaryFiles: []FileURL{"s3://1/lib.hpp"},
					Limits:             ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
				},
				Check: &SpjChecker{
					Format:             SpjFormatChecker,
					Executable:         &Artifact{URL: "s3://1/checker"},
					Answer:             "s3://1/2.ans",
					SupplementaryFiles: []FileURL{},
					Limits:             ResourceUsage{TimeMsecs: 10000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
				},
			},
			{
				ID:    "3",
				Input: &Artifact{URL: "s3://1/answer.txt"},
				Check: &DirectChecker{},
			},
		},
	}
}

func TestTaskRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task Task
	}{
		{"judge", sampleJudgeTask()},
		{"compile cpp", &CompileTask{
			Source:             &CompileSourceCpp{Main: "s3://1/main.cpp"},
			SupplementaryFiles: []FileURL{"s3://1/a.hpp", "s3://1/b.hpp"},
			Artifact:           &Artifact{URL: "https://storage/artifacts/42/main"},
			Limits:             ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
		}},
		{"compile git", &CompileTask{
			Source:             &CompileSourceGit{URL: "https://example.com/repo.git"},
			SupplementaryFiles: []FileURL{},
			Limits:             ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
		}},
		{"compile verilog", &CompileTask{
			Source:             &CompileSourceVerilog{Main: "s3://1/answer.v"},
			SupplementaryFiles: []FileURL{},
			Limits:             ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := Marshal(tt.task)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := UnmarshalTask(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.task) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.task)
			}
		})
	}
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		res  Result
	}{
		{"compiled", &CompileResult{Result: ResultCompiled, Message: "Compiled"}},
		{"compile error", &CompileResult{Result: ResultCompileError, Message: "main.cpp:1: error"}},
		{"judge", &JudgeResult{Testpoints: []*TestpointJudgeResult{
			{
				TestpointID:   "1",
				Result:        ResultAccepted,
				Message:       "",
				Score:         1.0,
				ResourceUsage: &ResourceUsage{TimeMsecs: 12, MemoryBytes: 1 << 20, FileCount: 0, FileSizeBytes: 0},
			},
			{TestpointID: "2", Result: ResultSkipped, Message: "testpoint 1 failed"},
			nil,
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := Marshal(tt.res)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := UnmarshalResult(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.res) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tt.res)
			}
		})
	}
}

func TestStatusUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	updates := []StatusUpdate{
		&StatusUpdateStarted{},
		&StatusUpdateProgress{Result: &JudgeResult{Testpoints: []*TestpointJudgeResult{nil}}},
		&StatusUpdateDone{Result: &CompileResult{Result: ResultCompiled, Message: ""}},
		&StatusUpdateError{Message: "runner exploded"},
	}
	for _, upd := range updates {
		data, err := Marshal(upd)
		if err != nil {
			t.Fatalf("marshal %T: %v", upd, err)
		}
		got, err := UnmarshalStatusUpdate(data)
		if err != nil {
			t.Fatalf("unmarshal %T: %v", upd, err)
		}
		if !reflect.DeepEqual(got, upd) {
			t.Errorf("round trip mismatch for %T:\n got %#v\nwant %#v", upd, got, upd)
		}
	}
}

func TestPlanRoundTrip(t *testing.T) {
	t.Parallel()
	plan := &JudgePlan{
		Compile: &CompileTaskPlan{
			Source: &UserCode{},
			SupplementaryFiles: []SupplementaryFile{
				FileURL("s3://1/lib.hpp"),
				&UserCode{Filename: "src.hpp"},
			},
			Artifact: true,
			Limits:   ResourceUsage{TimeMsecs: 30000, MemoryBytes: 1 << 30, FileCount: -1, FileSizeBytes: -1},
		},
		Judge: []*JudgeTaskPlan{
			{Task: sampleJudgeTask(), Dependencies: []int{}, Dependents: []int{1}},
			{Task: &JudgeTask{Testpoints: []*Testpoint{{
				ID:          "4",
				DependentOn: "2",
				Input:       &UserCode{},
				Check:       &DirectChecker{},
			}}}, Dependencies: []int{0}, Dependents: []int{}},
		},
		Score: []*TestpointGroup{
			{ID: "1", Name: "Task 1", Testpoints: []string{"1", "2"}, Score: 40},
			{ID: "2", Name: "Task 2", Testpoints: []string{"3", "4"}, Score: 60},
		},
		Group: "default",
	}
	data, err := Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalPlan(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, plan) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, plan)
	}
}

func TestSupplementaryFileEncoding(t *testing.T) {
	t.Parallel()
	// bare URLs stay plain strings on the wire, placeholders get an envelope
	plan := &CompileTaskPlan{
		Source:             &UserCode{},
		SupplementaryFiles: []SupplementaryFile{FileURL("s3://p/f.hpp"), &UserCode{Filename: "src.hpp"}},
	}
	data, err := Marshal(plan)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	files := raw["value"].(map[string]any)["supplementary_files"].([]any)
	if _, ok := files[0].(string); !ok {
		t.Errorf("file url encoded as %T, want string", files[0])
	}
	if _, ok := files[1].(map[string]any); !ok {
		t.Errorf("user code encoded as %T, want envelope", files[1])
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	t.Parallel()
	_, err := UnmarshalTask([]byte(`{"type": "FancyNewTask", "value": {}}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "FancyNewTask") {
		t.Errorf("error %q does not name the unknown type", err)
	}
}

func TestUnmarshalWrongVariant(t *testing.T) {
	t.Parallel()
	// a checker is not a task
	data, err := Marshal(&DirectChecker{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalTask(data); err == nil {
		t.Fatal("expected error decoding checker as task")
	}
}

func TestUnmarshalMissingEnvelope(t *testing.T) {
	t.Parallel()
	for _, data := range []string{`42`, `{"value": {}}`, `{"type": "JudgeTask"}`} {
		if _, err := UnmarshalTask([]byte(data)); err == nil {
			t.Errorf("expected error for %s", data)
		}
	}
}

func TestNullFieldsDecodeToZero(t *testing.T) {
	t.Parallel()
	data := []byte(`{"type": "Testpoint", "value": {
		"id": "1",
		"dependent_on": null,
		"input": {"type": "Artifact", "value": {"url": "s3://p/x"}},
		"run": null,
		"check": {"type": "DirectChecker", "value": {}}
	}}`)
	var tp *Testpoint
	if err := Unmarshal(data, &tp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tp.DependentOn != "" || tp.Run != nil {
		t.Errorf("null fields not zeroed: %#v", tp)
	}
}
