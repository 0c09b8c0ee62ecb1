package constants

// RunStatus is the terminal state of a batch run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusCompleted   RunStatus = "COMPLETED"   // all rows processed, checkpoint deleted
	RunStatusInterrupted RunStatus = "INTERRUPTED" // cooperative stop, resumable
	RunStatusFailed      RunStatus = "FAILED"      // fatal storage error
)
