package pipeline

import "fmt"

// Ledger error_message labels, one per failing stage.
const (
	labelDump     = "Dump Error"
	labelZip      = "Zip Error"
	labelUnzip    = "Unzip Error"
	labelUpload   = "S3 Upload Error"
	labelDownload = "S3 Download Error"
	labelRestore  = "Restore Error"
	labelRelocate = "Relocate Error"
	labelLog      = "Backup Log Error"
	labelFinal    = "Finalize Error"
)

// ToolError reports an external tool that failed outright or reported
// per-object failures in its output.
type ToolError struct {
	Stage   string
	Markers int // " error:" occurrences in combined output
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: tool reported %d error(s)", e.Stage, e.Markers)
}

func (e *ToolError) Unwrap() error { return e.Err }

// IntegrityError reports a hash or tag mismatch. Never silently accepted.
type IntegrityError struct {
	Stage string
	Want  string
	Got   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity check failed: want %s, got %s", e.Stage, e.Want, e.Got)
}

// StateError reports a stage invoked out of order.
type StateError struct {
	Stage string
	Have  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stage %s not valid in state %s", e.Stage, e.Have)
}
