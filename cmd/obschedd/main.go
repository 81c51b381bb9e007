package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/obsched/internal/almanac"
	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/constraint"
	"github.com/me/obsched/internal/device/sim"
	"github.com/me/obsched/internal/joblist"
	"github.com/me/obsched/internal/logging"
	"github.com/me/obsched/internal/observatory"
	"github.com/me/obsched/internal/scheduler"
	"github.com/me/obsched/internal/scoring"
	"github.com/me/obsched/internal/sequence"
	"github.com/me/obsched/internal/server"
	"github.com/me/obsched/internal/store"
	"github.com/me/obsched/pkg/model"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides server.addr)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	dbPath := flag.String("db", "", "Database path (default ~/.obsched/obsched.db)")
	jobList := flag.String("jobs", "", "Job list file, watched for changes")
	simulate := flag.Bool("simulate", false, "Drive the simulated observatory")
	autoStart := flag.Bool("start", false, "Start scheduling as soon as the daemon is up")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	overrides := []struct {
		dst *string
		val string
	}{
		{&cfg.Server.Addr, *addr},
		{&cfg.Server.LogLevel, *logLevel},
		{&cfg.Server.LogFormat, *logFormat},
		{&cfg.Server.DBPath, *dbPath},
		{&cfg.Server.JobList, *jobList},
	}
	for _, o := range overrides {
		if o.val != "" {
			*o.dst = o.val
		}
	}
	if *simulate {
		cfg.Server.Simulate = true
	}
	if *debug {
		cfg.Server.LogLevel = "debug"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *autoStart); err != nil {
		fmt.Fprintf(os.Stderr, "obschedd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, autoStart bool) error {
	base := logging.NewLogger(logging.ParseLevel(cfg.Server.LogLevel), cfg.Server.LogFormat)
	journal := logging.NewJournal(1000, slog.LevelInfo)
	logger := journal.Wrap(base)

	dbPath, err := resolveDBPath(cfg.Server.DBPath)
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(dbPath, base)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	base.Info("database ready", "path", dbPath)

	journal.AddSink(func(e model.JournalEntry) {
		if err := st.AppendJournal(context.Background(), &e); err != nil {
			base.Error("persist journal entry", "error", err)
		}
	})

	if !cfg.Server.Simulate {
		return errors.New("no device drivers are built in; run with -simulate or set server.simulate")
	}
	rig := sim.New()
	logger.Info("using simulated observatory")

	var counter sequence.FrameCounter
	if cfg.Scheduler.RememberProgress {
		counter = rig.Frames
	}
	lib, err := cfg.Scheduler.LoadConstraintLibrary()
	if err != nil {
		return err
	}
	site := almanac.NewSite(cfg.Site)
	eval := scheduler.NewEvaluator(
		scoring.NewEngine(site, cfg.Scheduler, logger),
		constraint.NewEvaluator(lib, logger),
		counter, cfg.Scheduler, logger)

	ctrl := scheduler.NewController(rig.Ports(), eval, cfg.Scheduler, logger,
		scheduler.WithTransitionHook(func(t model.Transition, job *model.Job) {
			persistTransition(st, base, t, job)
		}))

	serverOpts := []server.Option{server.WithStore(st), server.WithJournal(journal)}

	if path := cfg.Server.JobList; path != "" {
		if err := loadJobs(ctx, ctrl, st, rig.Frames, path, logger); err != nil {
			return err
		}
		watcher, err := joblist.NewWatcher(path, logger)
		if err != nil {
			return fmt.Errorf("watch job list: %w", err)
		}
		watcher.OnReload(func(jobs []*model.Job, warnings []string) error {
			for _, w := range warnings {
				logger.Warn("job list", "warning", w)
			}
			restoreProgress(ctx, st, jobs, rig.Frames, logger)
			if err := ctrl.SetJobs(jobs); err != nil {
				return err
			}
			saveJobs(ctx, st, jobs, base)
			return nil
		})
		go watcher.Run(ctx)

		serverOpts = append(serverOpts, server.WithJobsChanged(func(jobs []*model.Job) {
			watcher.MarkOwnWrite()
			if err := joblist.SaveFile(path, jobs); err != nil {
				logger.Error("save job list", "path", path, "error", err)
			}
			saveJobs(ctx, st, jobs, base)
		}))
	}

	obs := observatory.New(ctrl, rig.Ports(), cfg.Observatory, logger)
	serverOpts = append(serverOpts, server.WithObservatory(obs))
	go func() {
		if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("observatory stopped", "error", err)
		}
	}()

	loop := scheduler.NewLoop(ctrl, cfg.Scheduler, logger)
	go func() {
		if err := loop.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler loop stopped", "error", err)
		}
	}()

	if autoStart {
		if err := ctrl.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	srv := server.New(cfg.Server, ctrl, logger, serverOpts...)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("shutting down")

	// The session is stopped before the loop so unfinished jobs are recorded
	// as aborted.
	if err := ctrl.Stop(context.Background()); err != nil {
		logger.Debug("scheduler was not running", "error", err)
	}
	if err := loop.Stop(); err != nil {
		logger.Error("scheduler loop stop", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func resolveDBPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".obsched")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return filepath.Join(dir, "obsched.db"), nil
}

// loadJobs reads the job list into the controller and mirrors it in the store.
// Frame counts from earlier runs are carried over first.
func loadJobs(ctx context.Context, ctrl *scheduler.Controller, st store.Store, frames *sequence.MapCounter, path string, logger *slog.Logger) error {
	jobs, warnings, err := joblist.LoadFile(path)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("job list", "warning", w)
	}
	restoreProgress(ctx, st, jobs, frames, logger)
	if err := ctrl.SetJobs(jobs); err != nil {
		return err
	}
	saveJobs(ctx, st, jobs, logger)
	return nil
}

// restoreProgress merges persisted captured-frame counts into jobs and seeds
// the rig's frame counter with them.
func restoreProgress(ctx context.Context, st store.Store, jobs []*model.Job, frames *sequence.MapCounter, logger *slog.Logger) {
	restored, err := store.RestoreProgress(ctx, st, jobs)
	if err != nil {
		logger.Error("restore captured frames", "error", err)
		return
	}
	frames.Seed(restored)
	if len(restored) > 0 {
		logger.Info("captured frames restored", "signatures", len(restored))
	}
}

func saveJobs(ctx context.Context, st store.Store, jobs []*model.Job, logger *slog.Logger) {
	for _, j := range jobs {
		if err := st.SaveJob(ctx, j); err != nil {
			logger.Error("persist job", "job", j.ID, "error", err)
		}
	}
}

func persistTransition(st store.Store, logger *slog.Logger, t model.Transition, job *model.Job) {
	ctx := context.Background()
	if err := st.RecordTransition(ctx, t.RunID, t.JobID, t.From, t.To, t.At); err != nil {
		logger.Error("record transition", "job", t.JobID, "error", err)
	}
	if err := st.SaveJob(ctx, job); err != nil {
		logger.Error("persist job", "job", job.ID, "error", err)
	}
}
