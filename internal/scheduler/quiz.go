package scheduler

import (
	"context"
	"encoding/json"

	"taoj/internal/task"
	"taoj/pkg/errors"
)

// executeQuiz grades a quiz submission against the plan's answer key. The
// submitted "code" is a JSON object mapping question ids to chosen answers.
func (e *ExecutionContext) executeQuiz(ctx context.Context) (*task.ProblemJudgeResult, error) {
	raw, err := e.store.ReadFile(ctx, e.code.Bucket, e.code.Key)
	if err != nil {
		return nil, err
	}
	var answers map[string]string
	if err := json.Unmarshal(raw, &answers); err != nil {
		return nil, errors.Wrapf(err, errors.InvalidCode, "answer is invalid JSON: %v", err)
	}
	return judgeQuiz(e.plan.Quiz, answers), nil
}

func judgeQuiz(quiz []*task.QuizProblem, answers map[string]string) *task.ProblemJudgeResult {
	testpoints := make([]*task.TestpointJudgeResult, 0, len(quiz))
	correct := 0
	for _, q := range quiz {
		if q.Type == task.QuizTypeSelect && answers[q.ID] == q.Answer {
			correct++
			testpoints = append(testpoints, &task.TestpointJudgeResult{
				TestpointID: q.ID, Result: task.ResultAccepted, Message: "Accepted", Score: 1.0,
			})
		} else {
			testpoints = append(testpoints, &task.TestpointJudgeResult{
				TestpointID: q.ID, Result: task.ResultWrongAnswer, Message: "Wrong Answer",
			})
		}
	}
	result := task.ResultAccepted
	if correct != len(quiz) {
		result = task.ResultWrongAnswer
	}
	score := float64(correct)
	groups := []*task.GroupJudgeResult{{
		ID: "quiz", Name: "Quiz", Result: result, Testpoints: testpoints, Score: score,
	}}
	return &task.ProblemJudgeResult{Result: result, Score: score, Groups: groups}
}
