package models

import (
	"strings"
	"time"
)

// Result values persisted in the ledger `results` column. A NULL result
// means the job has never been attempted.
const (
	ResultSuccess = "Success"
	ResultError   = "Error"
)

// Object kinds addressable by a dump/restore tool.
const (
	KindTable  = "table"
	KindSchema = "schema"
)

// JobDescriptor is one eligible row read from the ledger.
type JobDescriptor struct {
	ID         int64  `json:"id"`
	ObjectName string `json:"object_name"` // dotted schema.table or bare schema
	ObjectKind string `json:"object_kind"`
	NewSchema  string `json:"new_schema,omitempty"` // destination rename, optional
	Sequence   int    `json:"sequence"`

	// Populated only for archive-to-store candidates read from the backup log.
	ArchivePassword string `json:"-"`
	S3Location      string `json:"s3_location,omitempty"`
}

// SchemaName returns the schema part of the object name.
func (d JobDescriptor) SchemaName() string {
	if i := strings.IndexByte(d.ObjectName, '.'); i > 0 {
		return d.ObjectName[:i]
	}
	return d.ObjectName
}

// FileStem is the object name flattened for use in artifact filenames.
func (d JobDescriptor) FileStem() string {
	return strings.ReplaceAll(d.ObjectName, ".", "_")
}

// ConnInfo describes one resolved database connection.
type ConnInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"-"`
}

// JobContext is the immutable unit of work handed to a pipeline worker.
// Workers must only read it; all mutable state lives in the pipeline.
type JobContext struct {
	Job         JobDescriptor
	MoveType    string
	Source      ConnInfo
	Dest        *ConnInfo // nil for archive-only moves
	StartDate   string    // YYYYMMDD run date, part of the S3 key
	TableSubset []string  // bare table names restricting a schema restore, nil otherwise
	SingleRun   bool
	Replace     bool // drop the destination object before restoring over it
	Bucket      string
	S3Prefix    string // base path, e.g. "<type>/<db>/<date>/"
	FilePrefix  string // filename prefix, e.g. "<backup_prefix>_<type>_"
	Secret      string // caller-supplied archive password candidate, may be empty
}

// Outcome is one job's terminal result within a dispatch run.
type Outcome struct {
	JobID      int64         `json:"job_id"`
	ObjectName string        `json:"object_name"`
	Err        string        `json:"error,omitempty"`
	FailedAt   string        `json:"failed_stage,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// OK reports whether the job completed all its stages.
func (o Outcome) OK() bool { return o.Err == "" }

// AggregateResult summarizes one dispatch run.
type AggregateResult struct {
	RunID     string        `json:"run_id"`
	MoveType  string        `json:"move_type"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"` // dropped by the partial-restore filter
	Outcomes  []Outcome     `json:"outcomes"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// AllFailed reports a run with attempts but zero successes.
func (r AggregateResult) AllFailed() bool {
	return r.Attempted > 0 && r.Succeeded == 0
}
