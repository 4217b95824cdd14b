package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"data-mover/internal/checksum"
	"data-mover/internal/config"
	"data-mover/internal/ledger"
	"data-mover/internal/models"
	"data-mover/internal/pipeline"
	"data-mover/internal/strategy"
	"data-mover/internal/tools"
)

type fakeLedger struct {
	mu       sync.Mutex
	fields   map[int64]map[string]string
	started  []int64
	finished []int64
	cleared  []int64
	errs     map[int64]string
	logs     []ledger.BackupLogEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fields: map[int64]map[string]string{}, errs: map[int64]string{}}
}

func (f *fakeLedger) WriteField(_ context.Context, jobID int64, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fields[jobID] == nil {
		f.fields[jobID] = map[string]string{}
	}
	f.fields[jobID][field] = value
	return nil
}

func (f *fakeLedger) MarkStarted(_ context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return nil
}

func (f *fakeLedger) MarkFinished(_ context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, jobID)
	return nil
}

func (f *fakeLedger) MarkError(_ context.Context, jobID int64, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[jobID] = stage
	return nil
}

func (f *fakeLedger) ClearIncludeFlag(_ context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, jobID)
	return nil
}

func (f *fakeLedger) AppendBackupLog(_ context.Context, e ledger.BackupLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, e)
	return nil
}

type fakeTools struct {
	mu       sync.Mutex
	failDump map[string]bool // object name -> fail
	restores []tools.RestoreOpts
}

func (f *fakeTools) Dump(_ context.Context, o tools.DumpOpts) (tools.Result, error) {
	f.mu.Lock()
	fail := f.failDump[o.ObjectName]
	f.mu.Unlock()
	if fail {
		return tools.Result{Output: "pg_dump: error: relation vanished\n", ErrorCount: 1}, nil
	}
	return tools.Result{}, os.WriteFile(o.OutPath, []byte("dump of "+o.ObjectName), 0o644)
}

func (f *fakeTools) Restore(_ context.Context, o tools.RestoreOpts) (tools.Result, error) {
	f.mu.Lock()
	f.restores = append(f.restores, o)
	f.mu.Unlock()
	return tools.Result{}, nil
}

func (f *fakeTools) Compress(_ context.Context, _, archivePath, inPath string) (tools.Result, error) {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{}, os.WriteFile(archivePath, data, 0o644)
}

func (f *fakeTools) Extract(_ context.Context, _, archivePath, outDir string) (tools.Result, error) {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return tools.Result{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(archivePath), ".7z")
	return tools.Result{}, os.WriteFile(filepath.Join(outDir, stem+".dump"), data, 0o644)
}

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string]string // key -> local path
}

func (f *fakeStore) Upload(_ context.Context, localPath, _, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = map[string]string{}
	}
	f.uploaded[key] = localPath
	// Echo the content hash so the upload verification passes.
	return checksum.ContentHash(localPath)
}

func (f *fakeStore) Download(_ context.Context, _, key, localPath string) error {
	return os.WriteFile(localPath, []byte("archived "+key), 0o644)
}

func (f *fakeStore) ChunkSize() int64 { return 8 * 1024 * 1024 }

type fakeSQL struct {
	mu    sync.Mutex
	stmts []string
}

func (f *fakeSQL) Exec(_ context.Context, _ models.ConnInfo, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	return nil
}

type fakeSecrets struct{}

func (fakeSecrets) Resolve(_ context.Context, _, candidate string) (string, error) {
	if candidate != "" {
		return candidate, nil
	}
	return "generated-secret", nil
}

type fakeSource struct {
	eligible []models.JobDescriptor
	archived []models.JobDescriptor
}

func (f *fakeSource) ListEligibleJobs(_ context.Context, _ string) ([]models.JobDescriptor, error) {
	return f.eligible, nil
}

func (f *fakeSource) ListArchivedObjects(_ context.Context, _ string) ([]models.JobDescriptor, error) {
	return f.archived, nil
}

func newTestDispatcher(t *testing.T, source *fakeSource, ft *fakeTools) (*Dispatcher, *fakeLedger, *fakeSQL) {
	t.Helper()
	fl := newFakeLedger()
	fs := &fakeSQL{}
	env := pipeline.Env{
		Ledger:  fl,
		Store:   &fakeStore{},
		Tools:   ft,
		SQL:     fs,
		Secrets: fakeSecrets{},
		WorkDir: t.TempDir(),
	}
	cfg := config.Config{Workers: 2, JobTimeout: time.Minute}
	return New(cfg, source, env, nil, nil), fl, fs
}

func TestDispatchUnknownMoveType(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeSource{}, &fakeTools{})
	_, err := d.Dispatch(context.Background(), Options{MoveType: "teleport"})
	var cfgErr *strategy.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestDispatchNoEligibleJobsIsFatal(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeSource{}, &fakeTools{})
	_, err := d.Dispatch(context.Background(), Options{
		MoveType: "mirror",
		Source:   models.ConnInfo{Host: "src", Database: "prod"},
		Dest:     &models.ConnInfo{Host: "dst", Database: "copy"},
	})
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestDispatchIsolatesJobFailures(t *testing.T) {
	source := &fakeSource{eligible: []models.JobDescriptor{
		{ID: 1, ObjectName: "bad_schema", ObjectKind: models.KindSchema, Sequence: 1},
		{ID: 2, ObjectName: "good_schema", ObjectKind: models.KindSchema, Sequence: 2},
	}}
	ft := &fakeTools{failDump: map[string]bool{"bad_schema": true}}
	d, fl, _ := newTestDispatcher(t, source, ft)

	res, err := d.Dispatch(context.Background(), Options{
		MoveType: "mirror",
		Source:   models.ConnInfo{Host: "src", Database: "prod"},
		Dest:     &models.ConnInfo{Host: "dst", Database: "copy"},
	})
	require.NoError(t, err, "per-job failures must not fail the run")

	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.AllFailed())

	byID := map[int64]models.Outcome{}
	for _, o := range res.Outcomes {
		byID[o.JobID] = o
	}
	assert.False(t, byID[1].OK())
	assert.Equal(t, "dump", byID[1].FailedAt)
	assert.True(t, byID[2].OK())

	assert.Equal(t, "Dump Error", fl.errs[1])
	assert.Contains(t, fl.finished, int64(2))
	assert.NotContains(t, fl.finished, int64(1))
}

func TestDispatchBackupWritesLogAndHashes(t *testing.T) {
	source := &fakeSource{eligible: []models.JobDescriptor{
		{ID: 5, ObjectName: "sales.invoices", ObjectKind: models.KindTable, Sequence: 1},
	}}
	d, fl, _ := newTestDispatcher(t, source, &fakeTools{})

	res, err := d.Dispatch(context.Background(), Options{
		MoveType: "backup",
		Source:   models.ConnInfo{Host: "src", Database: "prod"},
		Bucket:   "backups",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	fields := fl.fields[5]
	require.NotNil(t, fields)
	assert.NotEmpty(t, fields["dump_hash"])
	assert.NotEmpty(t, fields["zip_hash"])
	assert.NotEmpty(t, fields["s3_hash"])
	assert.Contains(t, fields["s3_location"], "backup/prod/")
	assert.Contains(t, fields["s3_location"], "prod_backup_sales_invoices.7z")

	require.Len(t, fl.logs, 1)
	entry := fl.logs[0]
	assert.Equal(t, "sales.invoices", entry.ObjectName)
	assert.Equal(t, "prod", entry.SourceDB)
	assert.Equal(t, "generated-secret", entry.Password)
}

func TestDispatchSingleRunRetiresJobs(t *testing.T) {
	source := &fakeSource{eligible: []models.JobDescriptor{
		{ID: 9, ObjectName: "staging", ObjectKind: models.KindSchema, Sequence: 1},
	}}
	d, fl, _ := newTestDispatcher(t, source, &fakeTools{})

	res, err := d.Dispatch(context.Background(), Options{
		MoveType:  "mirror",
		Source:    models.ConnInfo{Host: "src", Database: "prod"},
		Dest:      &models.ConnInfo{Host: "dst", Database: "copy"},
		SingleRun: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	assert.Contains(t, fl.cleared, int64(9))
}

func TestDispatchRestoreSubsetSkipsUnrequestedTables(t *testing.T) {
	source := &fakeSource{archived: []models.JobDescriptor{
		{ID: 11, ObjectName: "sales.invoices", ObjectKind: models.KindTable, S3Location: "a/invoices.7z", ArchivePassword: "pw"},
		{ID: 12, ObjectName: "sales.orders", ObjectKind: models.KindTable, S3Location: "a/orders.7z", ArchivePassword: "pw"},
		{ID: 13, ObjectName: "sales.refunds", ObjectKind: models.KindTable, S3Location: "a/refunds.7z", ArchivePassword: "pw"},
	}}
	ft := &fakeTools{}
	d, _, fs := newTestDispatcher(t, source, ft)

	res, err := d.Dispatch(context.Background(), Options{
		MoveType:    "restore",
		Source:      models.ConnInfo{Host: "src", Database: "prod"},
		Dest:        &models.ConnInfo{Host: "dst", Database: "copy"},
		Bucket:      "backups",
		TableSubset: []string{"sales.orders"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)

	require.Len(t, ft.restores, 1)
	assert.Empty(t, ft.restores[0].TableSubset, "a single-table dump needs no table filter")
	assert.Contains(t, fs.stmts, "CREATE SCHEMA IF NOT EXISTS sales")
}

func TestDispatchRestoreSubsetFiltersSchemas(t *testing.T) {
	source := &fakeSource{archived: []models.JobDescriptor{
		{ID: 21, ObjectName: "sales", ObjectKind: models.KindSchema, S3Location: "a/sales.7z", ArchivePassword: "pw"},
		{ID: 22, ObjectName: "hr", ObjectKind: models.KindSchema, S3Location: "a/hr.7z", ArchivePassword: "pw"},
	}}
	ft := &fakeTools{}
	d, _, fs := newTestDispatcher(t, source, ft)

	res, err := d.Dispatch(context.Background(), Options{
		MoveType:    "restore",
		Source:      models.ConnInfo{Host: "src", Database: "prod"},
		Dest:        &models.ConnInfo{Host: "dst", Database: "copy"},
		Bucket:      "backups",
		TableSubset: []string{"sales.orders", "sales.invoices"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped, "hr holds none of the requested tables")
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)

	require.Len(t, ft.restores, 1)
	assert.ElementsMatch(t, []string{"orders", "invoices"}, ft.restores[0].TableSubset,
		"the restore tool only accepts unqualified table names")
	assert.Contains(t, fs.stmts, "CREATE SCHEMA IF NOT EXISTS sales")
}

func TestDispatchCancelledRunFailsRemainingJobs(t *testing.T) {
	source := &fakeSource{eligible: []models.JobDescriptor{
		{ID: 31, ObjectName: "alpha", ObjectKind: models.KindSchema, Sequence: 1},
		{ID: 32, ObjectName: "beta", ObjectKind: models.KindSchema, Sequence: 2},
	}}
	d, _, _ := newTestDispatcher(t, source, &fakeTools{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := d.Dispatch(ctx, Options{
		MoveType: "mirror",
		Source:   models.ConnInfo{Host: "src", Database: "prod"},
		Dest:     &models.ConnInfo{Host: "dst", Database: "copy"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0, res.Succeeded)
	for _, o := range res.Outcomes {
		assert.Equal(t, "dispatch", o.FailedAt)
		assert.Contains(t, o.Err, "aborted")
	}
}
