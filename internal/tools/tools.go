// Package tools invokes the external dump, restore, and archive binaries.
// The mover's responsibility stops at argument construction, combined-output
// capture, and error-marker interpretation; the tools own their formats.
package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"data-mover/internal/models"
)

// The dump/restore tools can exit 0 while reporting per-object failures, so
// combined output is scanned for their error marker as well.
var errMarker = regexp.MustCompile(`(?i)error:`)

// Result carries one tool invocation's combined output and the number of
// error markers found in it.
type Result struct {
	Output     string
	ErrorCount int
}

// Runner executes the external binaries with bounded timeouts.
type Runner struct {
	PGBinDir      string // directory holding pg_dump/pg_restore, "" for PATH
	ArchiveBinDir string // directory holding 7z, "" for PATH
	Timeout       time.Duration
	RestoreJobs   int
}

func (r *Runner) binary(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func (r *Runner) run(ctx context.Context, env []string, bin string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if env != nil {
		cmd.Env = env
	}
	out, err := cmd.CombinedOutput()
	res := Result{
		Output:     string(out),
		ErrorCount: len(errMarker.FindAllString(string(out), -1)),
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s timed out: %w", filepath.Base(bin), ctx.Err())
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	return res, nil
}

func connArgs(conn models.ConnInfo) []string {
	args := []string{"-h", conn.Host, "-d", conn.Database, "-U", conn.User}
	if conn.Port != 0 {
		args = append(args, "-p", strconv.Itoa(conn.Port))
	}
	return args
}

func pgEnv(conn models.ConnInfo) []string {
	// PGPASSWORD is scoped to the child process, never the mover's own
	// environment.
	return append(os.Environ(), "PGPASSWORD="+conn.Password)
}

// DumpOpts parameterizes one pg_dump invocation.
type DumpOpts struct {
	Conn          models.ConnInfo
	ObjectName    string
	ObjectKind    string
	SchemaOnly    bool
	ExcludeTables []string
	OutPath       string
}

// Dump extracts one table or schema in custom format.
func (r *Runner) Dump(ctx context.Context, o DumpOpts) (Result, error) {
	var objectFlag string
	switch o.ObjectKind {
	case models.KindTable:
		objectFlag = "-t"
	case models.KindSchema:
		objectFlag = "-n"
	default:
		return Result{}, fmt.Errorf("unknown object kind %q for dump", o.ObjectKind)
	}

	args := []string{"-Fc"}
	args = append(args, connArgs(o.Conn)...)
	if o.SchemaOnly {
		args = append(args, "--schema-only")
	}
	args = append(args, objectFlag, o.ObjectName)
	for _, t := range o.ExcludeTables {
		args = append(args, "-T", t)
	}
	args = append(args, "-f", o.OutPath)

	return r.run(ctx, pgEnv(o.Conn), r.binary(r.PGBinDir, "pg_dump"), args...)
}

// RestoreOpts parameterizes one pg_restore invocation.
type RestoreOpts struct {
	Conn        models.ConnInfo
	TableSubset []string // bare, unqualified table names; -t rejects schema-qualified ones
	InPath      string
}

// Restore loads a custom-format dump into the destination.
func (r *Runner) Restore(ctx context.Context, o RestoreOpts) (Result, error) {
	jobs := r.RestoreJobs
	if jobs <= 0 {
		jobs = 4
	}
	args := []string{"-v", "--no-data-for-failed-tables", "-j", strconv.Itoa(jobs)}
	args = append(args, connArgs(o.Conn)...)
	for _, t := range o.TableSubset {
		args = append(args, "-t", t)
	}
	args = append(args, o.InPath)

	return r.run(ctx, pgEnv(o.Conn), r.binary(r.PGBinDir, "pg_restore"), args...)
}

// Compress writes inPath into an encrypted archive at archivePath.
func (r *Runner) Compress(ctx context.Context, password, archivePath, inPath string) (Result, error) {
	args := []string{"a", "-bt", "-mx3", "-p" + password, archivePath, inPath}
	return r.run(ctx, nil, r.binary(r.ArchiveBinDir, "7z"), args...)
}

// Extract unpacks an encrypted archive into outDir.
func (r *Runner) Extract(ctx context.Context, password, archivePath, outDir string) (Result, error) {
	args := []string{"e", archivePath, "-p" + password, "-o" + outDir, "-y"}
	return r.run(ctx, nil, r.binary(r.ArchiveBinDir, "7z"), args...)
}
