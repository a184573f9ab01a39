package sandbox

// initRequest is the JSON handed to the helper binary on stdin. The helper
// mirrors these structs; field names are the wire contract.
type initRequest struct {
	Spec        RunSpec
	WorkerUID   int
	TimeMsecs   int64
	MemoryBytes int64
	// FileSizeBytes caps writes via RLIMIT_FSIZE.
	FileSizeBytes int64
}

// helperExitSetupFailed is the exit code the helper reserves for failures
// before the target program was exec'd.
const helperExitSetupFailed = 254
