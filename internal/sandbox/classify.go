package sandbox

import "fmt"

// rawOutcome is what the parent observes after the helper exits.
type rawOutcome struct {
	// helperFailed is set when the helper died before exec'ing the target,
	// e.g. the command path did not resolve or a mount failed.
	helperFailed bool
	helperErr    string

	exitCode  int
	signaled  bool
	signal    string
	timeMsecs int64
	memBytes  int64

	files     int64
	fileBytes int64
}

// classify turns a raw outcome into a run result. Order matters: the
// process is killed once it passes the tolerated time limit, so a run over
// the limit must be reported as TLE even though it also died from a signal
// or a nonzero exit.
func classify(out rawOutcome, limits Limits) *RunResult {
	res := &RunResult{
		ExitCode: out.exitCode,
		Usage: Usage{
			TimeMsecs:     out.timeMsecs,
			MemoryBytes:   out.memBytes,
			FileCount:     out.files,
			FileSizeBytes: out.fileBytes,
		},
	}

	if out.helperFailed {
		res.Status = StatusSystemError
		res.Message = "Program did not start"
		if out.helperErr != "" {
			res.Message = fmt.Sprintf("Program did not start: %s", out.helperErr)
		}
		return res
	}

	if limits.TimeMsecs > 0 && out.timeMsecs > limits.TimeMsecs {
		res.Status = StatusTimeLimitExceeded
		res.Usage.TimeMsecs = limits.TimeMsecs
		return res
	}

	if limits.MemoryBytes > 0 && out.memBytes > limits.MemoryBytes {
		res.Status = StatusMemoryLimitExceeded
		return res
	}

	if out.signaled {
		res.Status = StatusRuntimeError
		res.Message = fmt.Sprintf("Killed: %s", out.signal)
		return res
	}

	if out.exitCode != 0 {
		res.Status = StatusRuntimeError
		res.Message = fmt.Sprintf("Program exited with status %d", out.exitCode)
		return res
	}

	if limits.FileCount > 0 && out.files > limits.FileCount {
		res.Status = StatusDiskLimitExceeded
		res.Message = fmt.Sprintf("%d files written, %d allowed", out.files, limits.FileCount)
		return res
	}
	if limits.FileSizeBytes > 0 && out.fileBytes > limits.FileSizeBytes {
		res.Status = StatusDiskLimitExceeded
		res.Message = fmt.Sprintf("%d bytes written, %d allowed", out.fileBytes, limits.FileSizeBytes)
		return res
	}

	res.Status = StatusOK
	return res
}
