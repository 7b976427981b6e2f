// Package scheduler launches pipeline runs on cron schedules. Definitions
// carrying a schedule field are registered into the index's schedules table;
// a minute ticker fires the due ones, deduplicated while a run is in flight.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

// PipelineRunner launches pipeline runs. Satisfied by engine.Engine; tests
// substitute a scripted runner.
type PipelineRunner interface {
	Run(ctx context.Context, def *schema.PipelineDefinition, definitionDoc []byte, opts engine.RunOptions) (*engine.RunResult, error)
}

// Config controls the scheduling loop.
type Config struct {
	// Dir is the directory scanned for pipeline definitions.
	Dir string
	// TickInterval is how often due schedules are checked. Default 1m.
	TickInterval time.Duration
	// MaxConcurrent bounds simultaneous scheduled launches. Default 4.
	MaxConcurrent int
}

// Scheduler scans a definitions directory, keeps the schedules table in
// sync, and fires due schedules as pipeline runs.
type Scheduler struct {
	ix     *index.Index
	runner PipelineRunner
	cfg    Config
	parser cron.Parser
	pool   *LaunchPool
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // definition paths currently running
}

// New creates a Scheduler. The cron dialect is the classic five-field form:
// minute, hour, day of month, month, day of week.
func New(ix *index.Index, runner PipelineRunner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ix:       ix,
		runner:   runner,
		cfg:      cfg,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pool:     NewLaunchPool(cfg.MaxConcurrent),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// NextRun computes the next firing time of a cron spec after from.
func (s *Scheduler) NextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron spec %q: %s", spec, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Sync scans the definitions directory and reconciles the schedules table:
// definitions with a schedule field are registered or refreshed, schedules
// whose file disappeared from the directory are disabled. A registration
// keeps its pending next_run_at across restarts so an occurrence missed
// during downtime still fires once on the first tick.
func (s *Scheduler) Sync(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"read definitions directory %s: %s", s.cfg.Dir, err.Error()).WithCause(err)
	}

	seen := make(map[string]struct{})
	registered := 0
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())

		def, err := validation.LoadDefinition(path)
		if err != nil {
			s.logger.Warn("skipping unloadable definition", "path", path, "error", err)
			continue
		}
		if strings.TrimSpace(def.Schedule) == "" {
			continue
		}

		next, err := s.nextRunFor(ctx, path, def.Schedule)
		if err != nil {
			s.logger.Warn("skipping definition with invalid schedule",
				"path", path, "schedule", def.Schedule, "error", err)
			continue
		}

		seen[path] = struct{}{}
		if err := s.ix.UpsertSchedule(ctx, &index.Schedule{
			DefinitionPath: path,
			Pipeline:       def.Pipeline,
			CronSpec:       def.Schedule,
			Enabled:        true,
			NextRunAt:      &next,
		}); err != nil {
			return err
		}
		registered++
	}

	// Disable schedules whose definition file left the directory. Rows for
	// other directories are not touched.
	existing, err := s.ix.ListSchedules(ctx, index.ScheduleFilter{})
	if err != nil {
		return err
	}
	cleanDir := filepath.Clean(s.cfg.Dir)
	for _, sched := range existing {
		if _, ok := seen[sched.DefinitionPath]; ok {
			continue
		}
		if !sched.Enabled || filepath.Dir(sched.DefinitionPath) != cleanDir {
			continue
		}
		enabled := false
		if err := s.ix.UpdateSchedule(ctx, sched.DefinitionPath, index.ScheduleUpdate{Enabled: &enabled}); err != nil {
			return err
		}
		s.logger.Info("disabled schedule for removed definition", "path", sched.DefinitionPath)
	}

	s.logger.Info("schedules synced", "dir", s.cfg.Dir, "registered", registered)
	return nil
}

// nextRunFor keeps an unexpired next_run_at when the cron spec is unchanged,
// so restarts do not silently swallow a due occurrence.
func (s *Scheduler) nextRunFor(ctx context.Context, path, spec string) (time.Time, error) {
	if existing, err := s.ix.GetSchedule(ctx, path); err == nil &&
		existing.CronSpec == spec && existing.NextRunAt != nil {
		return *existing.NextRunAt, nil
	}
	return s.NextRun(spec, time.Now().UTC())
}

// Start launches the background loop: an immediate sync and tick, then one
// tick per interval. Returns an error if already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "dir", s.cfg.Dir, "interval", s.cfg.TickInterval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	if err := s.Sync(ctx); err != nil {
		s.logger.Error("initial schedule sync failed", "error", err)
	}
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunOnce performs a single sync and tick, then waits for the launched runs
// to finish. Used by the CLI's one-shot mode and by tests.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.tick(ctx)
	s.pool.Wait()
	return nil
}

// tick fires every enabled schedule whose next_run_at has arrived. A
// schedule whose previous run is still in flight is skipped; it fires on
// the first tick after that run finishes.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.ix.ListSchedules(ctx, index.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.DefinitionPath) {
			continue
		}
		sched := sched
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(sched.DefinitionPath)
			return s.launch(ctx, sched)
		})
		if err != nil {
			s.release(sched.DefinitionPath)
			s.logger.Warn("scheduled launch not submitted", "path", sched.DefinitionPath, "error", err)
		}
	}
}

// launch runs one due schedule and records the outcome on its row. The next
// firing time is computed from when the schedule fired, not when the run
// finished.
func (s *Scheduler) launch(ctx context.Context, sched *index.Schedule) error {
	fired := time.Now().UTC()
	s.logger.Info("launching scheduled run", "path", sched.DefinitionPath, "pipeline", sched.Pipeline)

	doc, err := os.ReadFile(sched.DefinitionPath)
	if err != nil {
		s.logger.Error("scheduled definition unreadable, disabling", "path", sched.DefinitionPath, "error", err)
		enabled := false
		return s.ix.UpdateSchedule(ctx, sched.DefinitionPath, index.ScheduleUpdate{Enabled: &enabled})
	}
	def, err := validation.DecodeDefinition(bytes.NewReader(doc))
	if err != nil {
		s.logger.Error("scheduled definition no longer parses", "path", sched.DefinitionPath, "error", err)
		return s.recordOutcome(ctx, sched, fired, "")
	}

	result, err := s.runner.Run(ctx, def, doc, engine.RunOptions{})
	runID := ""
	switch {
	case err != nil:
		s.logger.Error("scheduled run did not start", "path", sched.DefinitionPath, "error", err)
	case result.Error != nil:
		runID = result.RunID
		s.logger.Warn("scheduled run failed", "run_id", result.RunID, "error", result.Error)
	default:
		runID = result.RunID
		s.logger.Info("scheduled run finished", "run_id", result.RunID, "status", result.Status)
	}

	return s.recordOutcome(ctx, sched, fired, runID)
}

// recordOutcome writes the firing back to the schedule row. It must land
// even when the scheduler is shutting down, or the occurrence would fire
// again on restart.
func (s *Scheduler) recordOutcome(ctx context.Context, sched *index.Schedule, fired time.Time, runID string) error {
	ctx = context.WithoutCancel(ctx)
	update := index.ScheduleUpdate{LastRunAt: &fired}
	if next, err := s.NextRun(sched.CronSpec, fired); err == nil {
		update.NextRunAt = &next
	}
	if runID != "" {
		update.LastRunID = &runID
	}
	return s.ix.UpdateSchedule(ctx, sched.DefinitionPath, update)
}

// Stop cancels the loop and waits for it and all in-flight launches.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tryAcquire(path string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[path]; ok {
		return false
	}
	s.inflight[path] = struct{}{}
	return true
}

func (s *Scheduler) release(path string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, path)
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
