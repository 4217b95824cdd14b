package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"data-mover/internal/api"
	"data-mover/internal/config"
	"data-mover/internal/connres"
	"data-mover/internal/dispatcher"
	"data-mover/internal/lease"
	"data-mover/internal/ledger"
	"data-mover/internal/models"
	"data-mover/internal/objectstore"
	"data-mover/internal/pipeline"
	"data-mover/internal/ratelimit"
	"data-mover/internal/secrets"
	"data-mover/internal/strategy"
	"data-mover/internal/tools"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "datamover",
		Usage: "move database tables and schemas between stores and encrypted archives",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Usage: "environment file path", Value: ".env"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "move type: " + strings.Join(strategy.Names(), ", "), Required: true},
			&cli.StringFlag{Name: "source-host", Usage: "source database host or alias", Required: true},
			&cli.StringFlag{Name: "source-db", Usage: "source database name", Required: true},
			&cli.StringFlag{Name: "dest-host", Usage: "destination database host or alias"},
			&cli.StringFlag{Name: "dest-db", Usage: "destination database name, defaults to source-db"},
			&cli.StringFlag{Name: "archive-db", Usage: "archived source database to restore from, defaults to source-db"},
			&cli.StringFlag{Name: "password", Usage: "archive password candidate; conflicts with a stored one abort the run"},
			&cli.StringSliceFlag{Name: "tables", Usage: "restrict a restore to these schema.table names"},
			&cli.StringFlag{Name: "bucket", Usage: "backup bucket, overrides BACKUP_BUCKET"},
			&cli.IntFlag{Name: "threads", Usage: "worker pool size, overrides PROCESSING_THREADS"},
			&cli.StringFlag{Name: "work-dir", Usage: "scratch directory root, overrides WORK_DIR"},
			&cli.BoolFlag{Name: "single-run", Usage: "retire each completed job so the next run skips it"},
			&cli.BoolFlag{Name: "replace", Usage: "drop destination objects before restoring over them"},
			&cli.BoolFlag{Name: "reset", Usage: "clear ledger bookkeeping for this move type before dispatching"},
			&cli.BoolFlag{Name: "migrate", Usage: "apply ledger migrations before running"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("run failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load(cmd.String("env"))
	setupLogging(cmd.Bool("verbose"))

	if n := int(cmd.Int("threads")); n > 0 {
		cfg.Workers = clamp(n, config.MinWorkers, config.MaxWorkers)
	}
	if b := cmd.String("bucket"); b != "" {
		cfg.Bucket = b
	}
	if wd := cmd.String("work-dir"); wd != "" {
		cfg.WorkDir = wd
	}
	moveType := cmd.String("type")

	resolver, err := connres.New(ctx, cfg.S3Region)
	if err != nil {
		return fmt.Errorf("build connection resolver: %w", err)
	}
	source, err := resolver.Resolve(ctx, cmd.String("source-host"), cmd.String("source-db"))
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	var dest *models.ConnInfo
	if destHost := cmd.String("dest-host"); destHost != "" {
		destDB := cmd.String("dest-db")
		if destDB == "" {
			destDB = cmd.String("source-db")
		}
		d, err := resolver.Resolve(ctx, destHost, destDB)
		if err != nil {
			return fmt.Errorf("resolve destination: %w", err)
		}
		dest = &d
	}

	store, err := ledger.New(ctx, cfg.LedgerDSN, cfg.LedgerTable, cfg.LedgerCryptoKey)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	if cmd.Bool("migrate") {
		if err := store.RunMigrations(ctx); err != nil {
			return err
		}
	}
	// Seed runs always start from clean bookkeeping.
	if cmd.Bool("reset") || moveType == "seed" {
		if err := store.ResetRows(ctx, moveType); err != nil {
			return err
		}
		slog.Info("ledger rows reset", "move_type", moveType)
	}

	env := pipeline.Env{
		Ledger:  store,
		Tools:   &tools.Runner{PGBinDir: cfg.PGBinDir, ArchiveBinDir: cfg.ArchiveBinDir, Timeout: cfg.ToolTimeout, RestoreJobs: cfg.RestoreJobs},
		SQL:     ledger.RemoteExec{},
		Secrets: secrets.NewManager(store, cfg.PasswordLength),
		WorkDir: cfg.WorkDir,
	}
	if cfg.Bucket != "" {
		s3c, err := objectstore.New(ctx, objectstore.Options{
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			ChunkSize: cfg.UploadChunkSize,
		})
		if err != nil {
			return fmt.Errorf("build object store: %w", err)
		}
		env.Store = s3c
	}

	var (
		leaser dispatcher.Leaser
		pacer  dispatcher.Pacer
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		owner := fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
		leaser = lease.New(client, cfg.LeaseTTL, owner)
		pacer = ratelimit.NewTokenBucket(client, cfg.StartRateCapacity, cfg.StartRateRefill, 10*time.Minute)
	}

	status := api.New(store)
	go serveStatus(cfg.MetricsAddr, status)

	opts := dispatcher.Options{
		MoveType:    moveType,
		Source:      source,
		Dest:        dest,
		Bucket:      cfg.Bucket,
		SourceDB:    cmd.String("archive-db"),
		TableSubset: cmd.StringSlice("tables"),
		SingleRun:   cmd.Bool("single-run"),
		Replace:     cmd.Bool("replace"),
		Secret:      cmd.String("password"),
	}
	result, err := dispatcher.New(cfg, store, env, leaser, pacer).Dispatch(ctx, opts)
	if err != nil {
		return err
	}
	status.RecordRun(result)

	if result.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", result.Failed, result.Attempted)
	}

	// A rebuilt template gets a fresh archive key on its next backup cycle.
	if moveType == "seed" && dest != nil {
		if err := store.ClearSecret(ctx, dest.Database); err != nil {
			slog.Warn("could not clear template secret", "database", dest.Database, "err", err)
		}
	}
	return nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func serveStatus(addr string, status *api.Server) {
	if addr == "" {
		return
	}
	if err := http.ListenAndServe(addr, status.Router()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("status server stopped", "err", err)
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "datamover"
	}
	return h
}
