// Package dispatcher turns one invocation of the mover into a bounded run:
// it loads the eligible jobs for a move type, fans them out across a worker
// pool, and aggregates per-job outcomes. A job failing is a per-job outcome;
// a run that cannot even start (bad move type, no eligible jobs) is an error.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"data-mover/internal/config"
	"data-mover/internal/models"
	"data-mover/internal/pipeline"
	"data-mover/internal/strategy"
	"data-mover/internal/telemetry"
)

// ErrNoJobs reports that the ledger holds no eligible rows for the requested
// move type. An operator invoking the mover expects work to exist; silence is
// a misconfiguration, not a clean run.
var ErrNoJobs = errors.New("no eligible jobs for move type")

// JobSource lists candidate jobs from the ledger.
type JobSource interface {
	ListEligibleJobs(ctx context.Context, moveType string) ([]models.JobDescriptor, error)
	ListArchivedObjects(ctx context.Context, sourceDB string) ([]models.JobDescriptor, error)
}

// Leaser provides advisory per-job exclusivity across concurrent runs.
type Leaser interface {
	Acquire(ctx context.Context, jobID int64) (bool, error)
	Release(ctx context.Context, jobID int64) error
}

// Pacer throttles pipeline startups so parallel workers do not open their
// dump connections simultaneously.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Options carries the per-run parameters supplied by the operator.
type Options struct {
	MoveType    string
	Source      models.ConnInfo
	Dest        *models.ConnInfo
	Bucket      string
	SourceDB    string   // archive catalog to restore from, defaults to Source.Database
	TableSubset []string // dotted schema.table names restricting a partial restore
	SingleRun   bool
	Replace     bool   // drop destination objects before restoring
	Secret      string // caller-supplied archive password candidate
	FilePrefix  string // artifact name prefix, defaults to the source database
}

// Dispatcher owns the collaborators shared by every run.
type Dispatcher struct {
	cfg    config.Config
	source JobSource
	env    pipeline.Env
	leaser Leaser // optional
	pacer  Pacer  // optional
	now    func() time.Time
}

// New builds a dispatcher. leaser and pacer may be nil when Redis is not
// configured; runs then proceed without cross-process coordination.
func New(cfg config.Config, source JobSource, env pipeline.Env, leaser Leaser, pacer Pacer) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		source: source,
		env:    env,
		leaser: leaser,
		pacer:  pacer,
		now:    time.Now,
	}
}

// Dispatch executes one run of the given move type and returns its summary.
// Per-job failures are recorded in the result, never returned as the error.
func (d *Dispatcher) Dispatch(ctx context.Context, opts Options) (models.AggregateResult, error) {
	startedAt := d.now()
	result := models.AggregateResult{
		RunID:     uuid.NewString(),
		MoveType:  opts.MoveType,
		StartedAt: startedAt,
	}

	profile, err := strategy.Lookup(opts.MoveType)
	if err != nil {
		return result, err
	}
	if err := profile.Validate(opts.Dest, opts.Bucket); err != nil {
		return result, err
	}

	candidates, err := d.listCandidates(ctx, profile, opts)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		return result, fmt.Errorf("%w %q", ErrNoJobs, opts.MoveType)
	}

	jobs, subsets, skipped := filterSubset(candidates, profile, opts.TableSubset)
	result.Skipped = skipped
	telemetry.JobsSkipped.Add(float64(skipped))

	log := slog.With("run_id", result.RunID, "move_type", opts.MoveType)
	log.Info("dispatching", "eligible", len(candidates), "selected", len(jobs),
		"skipped", skipped, "workers", d.cfg.Workers)

	outcomes := d.runPool(ctx, log, profile, opts, jobs, subsets)

	result.Outcomes = outcomes
	result.Elapsed = d.now().Sub(startedAt)
	for _, o := range outcomes {
		result.Attempted++
		if o.OK() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	log.Info("run complete", "attempted", result.Attempted,
		"succeeded", result.Succeeded, "failed", result.Failed,
		"elapsed", result.Elapsed)
	return result, nil
}

func (d *Dispatcher) listCandidates(ctx context.Context, profile strategy.Profile, opts Options) ([]models.JobDescriptor, error) {
	if profile.FromArchive {
		sourceDB := opts.SourceDB
		if sourceDB == "" {
			sourceDB = opts.Source.Database
		}
		return d.source.ListArchivedObjects(ctx, sourceDB)
	}
	return d.source.ListEligibleJobs(ctx, opts.MoveType)
}

// filterSubset restricts archive restores to the requested tables. Entries
// are dotted schema.table names. Schema candidates not named by any entry are
// dropped; kept schema candidates carry the bare table names the restore tool
// needs, since its table filter does not accept qualified names. Table
// candidates must match an entry exactly and restore whole, their dump
// holding nothing else. Dropped candidates are counted for the operator.
func filterSubset(candidates []models.JobDescriptor, profile strategy.Profile, subset []string) ([]models.JobDescriptor, map[int64][]string, int) {
	if !profile.FromArchive || len(subset) == 0 {
		return candidates, nil, 0
	}
	wanted := make(map[string]struct{}, len(subset))
	bySchema := make(map[string][]string)
	for _, entry := range subset {
		wanted[entry] = struct{}{}
		if i := strings.IndexByte(entry, '.'); i > 0 && i < len(entry)-1 {
			bySchema[entry[:i]] = append(bySchema[entry[:i]], entry[i+1:])
		}
	}
	var kept []models.JobDescriptor
	subsets := make(map[int64][]string)
	skipped := 0
	for _, c := range candidates {
		if c.ObjectKind == models.KindSchema {
			tables, ok := bySchema[c.ObjectName]
			if !ok {
				skipped++
				continue
			}
			kept = append(kept, c)
			subsets[c.ID] = tables
			continue
		}
		if _, ok := wanted[c.ObjectName]; ok {
			kept = append(kept, c)
			continue
		}
		skipped++
	}
	return kept, subsets, skipped
}

// runPool fans jobs out over d.cfg.Workers goroutines and gathers outcomes.
// Jobs the run is cancelled before feeding still get a failed outcome, so an
// interrupted run can never report clean success.
func (d *Dispatcher) runPool(ctx context.Context, log *slog.Logger, profile strategy.Profile, opts Options, jobs []models.JobDescriptor, subsets map[int64][]string) []models.Outcome {
	startDate := d.now().Format("20060102")
	filePrefix := opts.FilePrefix
	if filePrefix == "" {
		filePrefix = opts.Source.Database
	}

	workers := d.cfg.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	if workers < 1 {
		workers = 1
	}

	feed := make(chan models.JobDescriptor)
	var (
		mu       sync.Mutex
		outcomes []models.Outcome
		wg       sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range feed {
				jobCtx := models.JobContext{
					Job:         desc,
					MoveType:    opts.MoveType,
					Source:      opts.Source,
					Dest:        opts.Dest,
					StartDate:   startDate,
					TableSubset: subsets[desc.ID],
					SingleRun:   opts.SingleRun,
					Replace:     opts.Replace,
					Bucket:      opts.Bucket,
					S3Prefix:    fmt.Sprintf("%s/%s/%s/", opts.MoveType, opts.Source.Database, startDate),
					FilePrefix:  fmt.Sprintf("%s_%s_", filePrefix, opts.MoveType),
					Secret:      opts.Secret,
				}
				outcome, ran := d.runOne(ctx, log, profile, jobCtx)
				if !ran {
					continue
				}
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
		}()
	}

	abort := func(from int) []models.Outcome {
		close(feed)
		wg.Wait()
		for _, rest := range jobs[from:] {
			outcomes = append(outcomes, models.Outcome{
				JobID:      rest.ID,
				ObjectName: rest.ObjectName,
				Err:        fmt.Sprintf("run aborted before dispatch: %v", ctx.Err()),
				FailedAt:   "dispatch",
			})
			telemetry.JobsFailed.Inc()
		}
		return outcomes
	}

	for i, desc := range jobs {
		if ctx.Err() != nil {
			return abort(i)
		}
		select {
		case <-ctx.Done():
			return abort(i)
		case feed <- desc:
		}
	}
	close(feed)
	wg.Wait()
	return outcomes
}

// runOne drives a single job through the profile's stages. The boolean is
// false when the job was not attempted at all (lease held elsewhere).
func (d *Dispatcher) runOne(ctx context.Context, log *slog.Logger, profile strategy.Profile, job models.JobContext) (models.Outcome, bool) {
	if d.leaser != nil {
		ok, err := d.leaser.Acquire(ctx, job.Job.ID)
		if err != nil {
			log.Warn("lease check failed, proceeding without it", "job_id", job.Job.ID, "err", err)
		} else if !ok {
			log.Info("job leased by another run, skipping", "job_id", job.Job.ID)
			telemetry.JobsSkipped.Inc()
			return models.Outcome{}, false
		} else {
			defer func() {
				if rerr := d.leaser.Release(context.WithoutCancel(ctx), job.Job.ID); rerr != nil {
					log.Warn("lease release failed", "job_id", job.Job.ID, "err", rerr)
				}
			}()
		}
	}

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx, "mover:starts:"+job.Source.Host); err != nil {
			return models.Outcome{
				JobID:      job.Job.ID,
				ObjectName: job.Job.ObjectName,
				Err:        fmt.Sprintf("startup pacing: %v", err),
			}, true
		}
	}

	jobStart := d.now()
	jobCtx := ctx
	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	telemetry.JobsAttempted.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	outcome := models.Outcome{JobID: job.Job.ID, ObjectName: job.Job.ObjectName}
	p, err := pipeline.New(jobCtx, d.env, job)
	if err != nil {
		outcome.Err = err.Error()
		outcome.FailedAt = "init"
		telemetry.JobsFailed.Inc()
		outcome.Elapsed = d.now().Sub(jobStart)
		return outcome, true
	}

	for _, stage := range profile.Stages {
		if err := stage.Run(jobCtx, p); err != nil {
			outcome.Err = err.Error()
			outcome.FailedAt = stage.Name
			p.Abort()
			break
		}
	}
	dumpErrs, restoreErrs := p.ErrorCounts()
	telemetry.ToolErrorMarkers.Add(float64(dumpErrs + restoreErrs))
	if outcome.OK() {
		telemetry.JobsSucceeded.Inc()
	} else {
		telemetry.JobsFailed.Inc()
	}
	outcome.Elapsed = d.now().Sub(jobStart)
	return outcome, true
}
