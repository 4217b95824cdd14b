// Package pipeline drives one job through its ordered transfer stages.
// Stages are explicit transitions on a small state machine, so an invalid
// ordering is a validation error rather than a runtime surprise, and every
// stage persists its observable artifact to the ledger before returning so a
// crash leaves a resumable trail.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"data-mover/internal/checksum"
	"data-mover/internal/ledger"
	"data-mover/internal/models"
	"data-mover/internal/telemetry"
	"data-mover/internal/tools"
)

// State enumerates pipeline progress for one job.
type State int

const (
	StateCreated State = iota
	StateDumped
	StateDumpHashed
	StateArchived
	StateArchiveHashed
	StateTagPredicted
	StateUploaded
	StateLogged
	StateDownloaded
	StateExtracted
	StateRestored
	StateRelocated
	StateFinalized
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:       "created",
	StateDumped:        "dumped",
	StateDumpHashed:    "dump_hashed",
	StateArchived:      "archived",
	StateArchiveHashed: "archive_hashed",
	StateTagPredicted:  "tag_predicted",
	StateUploaded:      "uploaded",
	StateLogged:        "logged",
	StateDownloaded:    "downloaded",
	StateExtracted:     "extracted",
	StateRestored:      "restored",
	StateRelocated:     "relocated",
	StateFinalized:     "finalized",
	StateFailed:        "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Ledger is the subset of ledger.Store the pipeline writes through.
type Ledger interface {
	WriteField(ctx context.Context, jobID int64, field, value string) error
	MarkStarted(ctx context.Context, jobID int64) error
	MarkFinished(ctx context.Context, jobID int64) error
	MarkError(ctx context.Context, jobID int64, stage string) error
	ClearIncludeFlag(ctx context.Context, jobID int64) error
	AppendBackupLog(ctx context.Context, e ledger.BackupLogEntry) error
}

// ObjectStore uploads and downloads archives.
type ObjectStore interface {
	Upload(ctx context.Context, localPath, bucket, key string) (string, error)
	Download(ctx context.Context, bucket, key, localPath string) error
	ChunkSize() int64
}

// ToolRunner invokes the external dump/restore/archive binaries.
type ToolRunner interface {
	Dump(ctx context.Context, o tools.DumpOpts) (tools.Result, error)
	Restore(ctx context.Context, o tools.RestoreOpts) (tools.Result, error)
	Compress(ctx context.Context, password, archivePath, inPath string) (tools.Result, error)
	Extract(ctx context.Context, password, archivePath, outDir string) (tools.Result, error)
}

// SQLRunner executes side-effect SQL on an arbitrary database (schema
// precreation, drops, relocation).
type SQLRunner interface {
	Exec(ctx context.Context, conn models.ConnInfo, sql string) error
}

// SecretResolver reconciles the archive password for an owner.
type SecretResolver interface {
	Resolve(ctx context.Context, owner, candidate string) (string, error)
}

// Env bundles the collaborators shared by all pipelines in a run.
type Env struct {
	Ledger  Ledger
	Store   ObjectStore
	Tools   ToolRunner
	SQL     SQLRunner
	Secrets SecretResolver
	WorkDir string
}

// Pipeline owns one job's mutable working state. It must only be used by a
// single worker; nothing here is safe for concurrent use.
type Pipeline struct {
	env Env
	job models.JobContext
	log *slog.Logger

	state       State
	workDir     string
	dumpPath    string
	archivePath string

	dumpHash     string
	archiveHash  string
	predictedTag string
	remoteTag    string
	s3Key        string
	secret       string

	toolLog     strings.Builder
	dumpErrs    int
	restoreErrs int
}

// New allocates the job's private scratch directory and stamps start_time.
func New(ctx context.Context, env Env, job models.JobContext) (*Pipeline, error) {
	base := env.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	workDir, err := os.MkdirTemp(base, job.MoveType+"_")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	stem := job.Job.FileStem()
	p := &Pipeline{
		env:         env,
		job:         job,
		log:         slog.With("job_id", job.Job.ID, "object", job.Job.ObjectName, "move_type", job.MoveType),
		state:       StateCreated,
		workDir:     workDir,
		dumpPath:    filepath.Join(workDir, stem+".dump"),
		archivePath: filepath.Join(workDir, stem+".7z"),
	}
	if err := env.Ledger.MarkStarted(ctx, job.Job.ID); err != nil {
		p.cleanup()
		return nil, fmt.Errorf("mark started: %w", err)
	}
	return p, nil
}

// State returns the current pipeline state.
func (p *Pipeline) State() State { return p.state }

// ToolLog returns the accumulated combined output of every tool invocation.
func (p *Pipeline) ToolLog() string { return p.toolLog.String() }

// ErrorCounts returns the dump and restore marker totals.
func (p *Pipeline) ErrorCounts() (dump, restore int) { return p.dumpErrs, p.restoreErrs }

func (p *Pipeline) require(stage string, allowed ...State) error {
	for _, s := range allowed {
		if p.state == s {
			return nil
		}
	}
	return &StateError{Stage: stage, Have: p.state}
}

// fail records the stage label on the ledger row, moves to the terminal
// state, and returns the typed error. Sibling jobs are unaffected.
func (p *Pipeline) fail(ctx context.Context, label string, err error) error {
	p.state = StateFailed
	if werr := p.env.Ledger.MarkError(ctx, p.job.Job.ID, label); werr != nil {
		p.log.Error("ledger error write failed", "stage", label, "err", werr)
	}
	p.log.Error("stage failed", "stage", label, "err", err)
	return err
}

// Dump extracts the object from the source store. schemaOnly dumps carry
// structure without data and are invalid for single tables.
func (p *Pipeline) Dump(ctx context.Context, schemaOnly bool) error {
	if err := p.require("dump", StateCreated); err != nil {
		return err
	}
	if schemaOnly && p.job.Job.ObjectKind == models.KindTable {
		return p.fail(ctx, labelDump, fmt.Errorf("cannot dump table %s with schema-only", p.job.Job.ObjectName))
	}

	p.log.Info("dumping", "kind", p.job.Job.ObjectKind, "schema_only", schemaOnly)
	res, err := p.env.Tools.Dump(ctx, tools.DumpOpts{
		Conn:       p.job.Source,
		ObjectName: p.job.Job.ObjectName,
		ObjectKind: p.job.Job.ObjectKind,
		SchemaOnly: schemaOnly,
		OutPath:    p.dumpPath,
	})
	p.toolLog.WriteString(res.Output)
	p.dumpErrs += res.ErrorCount
	if err != nil || res.ErrorCount > 0 {
		return p.fail(ctx, labelDump, &ToolError{Stage: labelDump, Markers: res.ErrorCount, Err: err})
	}
	p.state = StateDumped
	return nil
}

// HashDump records the streaming content hash of the raw extract.
func (p *Pipeline) HashDump(ctx context.Context) error {
	if err := p.require("hash_dump", StateDumped); err != nil {
		return err
	}
	digest, err := checksum.ContentHash(p.dumpPath)
	if err != nil {
		return p.fail(ctx, labelDump, err)
	}
	p.dumpHash = digest
	if err := p.env.Ledger.WriteField(ctx, p.job.Job.ID, "dump_hash", digest); err != nil {
		return p.fail(ctx, labelDump, err)
	}
	p.state = StateDumpHashed
	return nil
}

// Archive compresses and encrypts the extract under the resolved archive
// secret. The secret is resolved here, immediately before first use.
func (p *Pipeline) Archive(ctx context.Context) error {
	if err := p.require("archive", StateDumpHashed); err != nil {
		return err
	}
	secret, err := p.env.Secrets.Resolve(ctx, p.job.Source.Database, p.job.Secret)
	if err != nil {
		return p.fail(ctx, labelZip, err)
	}
	p.secret = secret

	res, err := p.env.Tools.Compress(ctx, secret, p.archivePath, p.dumpPath)
	p.toolLog.WriteString(res.Output)
	if err != nil {
		return p.fail(ctx, labelZip, &ToolError{Stage: labelZip, Err: err})
	}
	if _, err := os.Stat(p.archivePath); err != nil {
		return p.fail(ctx, labelZip, fmt.Errorf("archive not created at %s: %w", p.archivePath, err))
	}
	p.state = StateArchived
	return nil
}

// HashArchive records the content hash of the encrypted archive.
func (p *Pipeline) HashArchive(ctx context.Context) error {
	if err := p.require("hash_archive", StateArchived); err != nil {
		return err
	}
	digest, err := checksum.ContentHash(p.archivePath)
	if err != nil {
		return p.fail(ctx, labelZip, err)
	}
	p.archiveHash = digest
	if err := p.env.Ledger.WriteField(ctx, p.job.Job.ID, "zip_hash", digest); err != nil {
		return p.fail(ctx, labelZip, err)
	}
	p.state = StateArchiveHashed
	return nil
}

// PredictRemoteTag computes the composite multipart tag the object store is
// expected to report after upload.
func (p *Pipeline) PredictRemoteTag(ctx context.Context) error {
	if err := p.require("predict_tag", StateArchiveHashed); err != nil {
		return err
	}
	tag, chunks, err := checksum.CompositeHash(p.archivePath, p.env.Store.ChunkSize())
	if err != nil {
		return p.fail(ctx, labelUpload, err)
	}
	p.predictedTag = tag
	p.log.Info("predicted remote tag", "tag", tag, "chunks", chunks)
	if err := p.env.Ledger.WriteField(ctx, p.job.Job.ID, "s3_hash", tag); err != nil {
		return p.fail(ctx, labelUpload, err)
	}
	p.state = StateTagPredicted
	return nil
}

// Upload transfers the archive to the object store and verifies the returned
// tag against the plain hash or the composite prediction.
func (p *Pipeline) Upload(ctx context.Context) error {
	if err := p.require("upload", StateTagPredicted); err != nil {
		return err
	}
	key := p.job.S3Prefix + p.job.FilePrefix + filepath.Base(p.archivePath)
	p.log.Info("uploading", "bucket", p.job.Bucket, "key", key)

	remoteTag, err := p.env.Store.Upload(ctx, p.archivePath, p.job.Bucket, key)
	if err != nil {
		return p.fail(ctx, labelUpload, &ToolError{Stage: labelUpload, Err: err})
	}
	if !checksum.TagsMatch(remoteTag, p.archiveHash, p.predictedTag) {
		return p.fail(ctx, labelUpload, &IntegrityError{
			Stage: labelUpload,
			Want:  p.predictedTag,
			Got:   remoteTag,
		})
	}
	p.remoteTag = remoteTag
	p.s3Key = key
	if info, serr := os.Stat(p.archivePath); serr == nil {
		telemetry.BytesUploaded.Add(float64(info.Size()))
	}
	if err := p.env.Ledger.WriteField(ctx, p.job.Job.ID, "s3_location", key); err != nil {
		return p.fail(ctx, labelUpload, err)
	}
	p.state = StateUploaded
	return nil
}

// LogBackup appends the completed backup to the durable backup log with the
// archive password encrypted at rest.
func (p *Pipeline) LogBackup(ctx context.Context) error {
	if err := p.require("log_backup", StateUploaded); err != nil {
		return err
	}
	err := p.env.Ledger.AppendBackupLog(ctx, ledger.BackupLogEntry{
		SessionType: p.job.MoveType,
		SourceDB:    p.job.Source.Database,
		ObjectName:  p.job.Job.ObjectName,
		ObjectKind:  p.job.Job.ObjectKind,
		S3Location:  p.s3Key,
		StartDate:   p.job.StartDate,
		Password:    p.secret,
	})
	if err != nil {
		return p.fail(ctx, labelLog, err)
	}
	p.state = StateLogged
	return nil
}

// Download fetches the archived object from the object store.
func (p *Pipeline) Download(ctx context.Context) error {
	if err := p.require("download", StateCreated); err != nil {
		return err
	}
	location := p.job.Job.S3Location
	if location == "" {
		return p.fail(ctx, labelDownload, fmt.Errorf("job %d has no s3 location", p.job.Job.ID))
	}
	p.log.Info("downloading", "bucket", p.job.Bucket, "key", location)
	if err := p.env.Store.Download(ctx, p.job.Bucket, location, p.archivePath); err != nil {
		return p.fail(ctx, labelDownload, &ToolError{Stage: labelDownload, Err: err})
	}
	p.state = StateDownloaded
	return nil
}

// Extract decrypts and unpacks a downloaded archive. A corrupt or partial
// download fails here: the archive tool rejects it.
func (p *Pipeline) Extract(ctx context.Context) error {
	if err := p.require("extract", StateDownloaded); err != nil {
		return err
	}
	password := p.job.Job.ArchivePassword
	if password == "" {
		password = p.job.Secret
	}
	if password == "" {
		return p.fail(ctx, labelUnzip, fmt.Errorf("job %d has no archive password", p.job.Job.ID))
	}
	res, err := p.env.Tools.Extract(ctx, password, p.archivePath, p.workDir)
	p.toolLog.WriteString(res.Output)
	if err != nil {
		return p.fail(ctx, labelUnzip, &ToolError{Stage: labelUnzip, Err: err})
	}
	if _, err := os.Stat(p.dumpPath); err != nil {
		return p.fail(ctx, labelUnzip, fmt.Errorf("extracted dump missing at %s: %w", p.dumpPath, err))
	}
	p.state = StateExtracted
	return nil
}

// Restore loads the extract into the destination store. Table restores
// precreate the parent schema; partial restores precreate the target schema
// and restrict pg_restore to the subset. Restore-tool error markers are
// counted but tolerated: --no-data-for-failed-tables makes per-object
// failures survivable and the count is reported for operators.
func (p *Pipeline) Restore(ctx context.Context) error {
	if err := p.require("restore", StateDumpHashed, StateExtracted); err != nil {
		return err
	}
	if p.job.Dest == nil {
		return p.fail(ctx, labelRestore, fmt.Errorf("job %d has no destination", p.job.Job.ID))
	}
	dest := *p.job.Dest

	if p.job.Replace {
		kind := "TABLE"
		if p.job.Job.ObjectKind == models.KindSchema {
			kind = "SCHEMA"
		}
		sql := fmt.Sprintf("DROP %s IF EXISTS %s CASCADE", kind, p.job.Job.ObjectName)
		if err := p.env.SQL.Exec(ctx, dest, sql); err != nil {
			return p.fail(ctx, labelRestore, err)
		}
	}
	if p.job.Job.ObjectKind == models.KindTable {
		sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.job.Job.SchemaName())
		if err := p.env.SQL.Exec(ctx, dest, sql); err != nil {
			return p.fail(ctx, labelRestore, err)
		}
	}
	var subset []string
	if len(p.job.TableSubset) > 0 {
		subset = p.job.TableSubset
		if p.job.Job.ObjectKind == models.KindSchema {
			sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.job.Job.ObjectName)
			if err := p.env.SQL.Exec(ctx, dest, sql); err != nil {
				return p.fail(ctx, labelRestore, err)
			}
		}
	}

	p.log.Info("restoring", "host", dest.Host, "database", dest.Database, "subset", len(subset))
	res, err := p.env.Tools.Restore(ctx, tools.RestoreOpts{
		Conn:        dest,
		TableSubset: subset,
		InPath:      p.dumpPath,
	})
	p.toolLog.WriteString(res.Output)
	p.restoreErrs += res.ErrorCount
	if err != nil {
		return p.fail(ctx, labelRestore, &ToolError{Stage: labelRestore, Markers: res.ErrorCount, Err: err})
	}
	if res.ErrorCount > 0 {
		p.log.Warn("restore reported object errors", "count", res.ErrorCount)
	}
	p.state = StateRestored
	return nil
}

// Relocate moves a restored table into its destination schema. Jobs without
// a rename pass through unchanged.
func (p *Pipeline) Relocate(ctx context.Context) error {
	if err := p.require("relocate", StateRestored); err != nil {
		return err
	}
	if p.job.Job.NewSchema == "" || p.job.Dest == nil {
		p.state = StateRelocated
		return nil
	}
	sql := fmt.Sprintf("ALTER TABLE %s SET SCHEMA %s", p.job.Job.ObjectName, p.job.Job.NewSchema)
	p.log.Info("relocating", "to_schema", p.job.Job.NewSchema)
	if err := p.env.SQL.Exec(ctx, *p.job.Dest, sql); err != nil {
		return p.fail(ctx, labelRelocate, err)
	}
	p.state = StateRelocated
	return nil
}

// Finalize stamps end_time/running_time/results, retires single-run jobs,
// and removes the scratch directory.
func (p *Pipeline) Finalize(ctx context.Context) error {
	if p.state == StateFailed || p.state == StateFinalized || p.state == StateCreated {
		return &StateError{Stage: "finalize", Have: p.state}
	}
	if err := p.env.Ledger.MarkFinished(ctx, p.job.Job.ID); err != nil {
		return p.fail(ctx, labelFinal, err)
	}
	if p.job.SingleRun {
		if err := p.env.Ledger.ClearIncludeFlag(ctx, p.job.Job.ID); err != nil {
			return p.fail(ctx, labelFinal, err)
		}
	}
	p.cleanup()
	p.state = StateFinalized
	return nil
}

// Abort removes scratch artifacts after a failed run. Safe to call in any
// state.
func (p *Pipeline) Abort() { p.cleanup() }

func (p *Pipeline) cleanup() {
	for _, f := range []string{p.dumpPath, p.archivePath} {
		if f != "" {
			_ = os.Remove(f)
		}
	}
	if p.workDir != "" {
		if entries, err := os.ReadDir(p.workDir); err == nil && len(entries) == 0 {
			_ = os.Remove(p.workDir)
		}
	}
}
