// Package engine implements the main scheduling loop (spec §4.10):
// it drives the Scheduler's eligible/claim cycle, dispatches claimed work
// items to a bounded worker pool, and exposes process health for the
// /health/detail surface.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nightrelay/postengine/internal/bucket"
	"github.com/nightrelay/postengine/internal/pipeline"
	"github.com/nightrelay/postengine/internal/ratelimit"
	"github.com/nightrelay/postengine/internal/scheduler"
	"github.com/nightrelay/postengine/internal/telemetry"
	"github.com/nightrelay/postengine/internal/tenant"
	"github.com/nightrelay/postengine/internal/version"
)

// Config bounds the engine loop's own behavior, separate from the
// pipeline's per-job Config.
type Config struct {
	// Workers fixes the pool size when > 0. Zero derives it instead, as
	// min(WorkersMax, 2*active_tenants), re-evaluated every tick.
	Workers        int
	WorkersMax     int
	TickInterval   time.Duration // how often the loop re-evaluates Eligible when idle
	ShutdownGrace  time.Duration
	ReconcileEvery time.Duration
}

// Engine owns the scheduler/registry/pipeline triad and the worker pool
// that executes their output.
type Engine struct {
	sched    *scheduler.Scheduler
	registry *tenant.Registry
	pipe     *pipeline.Pipeline
	coord    *ratelimit.Coordinator
	logger   *slog.Logger
	cfg      Config

	startedAt time.Time
	state     atomic.Value // string: "starting", "running", "draining", "stopped"

	mu         sync.Mutex
	inFlight   int
	lastErr    map[string]string
	bucketKeys []string // namespaces sampled for the health surface

	jobCancels map[uint64]context.CancelFunc // in-flight jobs' detached contexts, for the abort phase
	nextJobID  uint64
}

// New creates an Engine. bucketKeys names the bucket namespaces reported
// on the health surface's bucket_remaining_by_key field (spec §4.10).
func New(sched *scheduler.Scheduler, registry *tenant.Registry, pipe *pipeline.Pipeline, coord *ratelimit.Coordinator, logger *slog.Logger, cfg Config, bucketKeys []string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkersMax <= 0 {
		cfg.WorkersMax = 32
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	e := &Engine{
		sched: sched, registry: registry, pipe: pipe, coord: coord,
		logger: logger, cfg: cfg, lastErr: make(map[string]string), bucketKeys: bucketKeys,
		jobCancels: make(map[uint64]context.CancelFunc),
	}
	e.state.Store("starting")
	return e
}

// workerCeiling computes the pool's current size limit: a fixed
// cfg.Workers if set, otherwise min(WorkersMax, 2*active_tenants),
// re-evaluated every tick so a derived ceiling scales down when tenants
// are disabled and up as tenants are added, without a restart.
func (e *Engine) workerCeiling() int {
	if e.cfg.Workers > 0 {
		return e.cfg.Workers
	}
	active := len(e.registry.ListActive())
	ceiling := 2 * active
	if ceiling <= 0 {
		ceiling = 1
	}
	if ceiling > e.cfg.WorkersMax {
		ceiling = e.cfg.WorkersMax
	}
	return ceiling
}

// Run drives the scheduling loop until ctx is cancelled, then drains
// in-flight jobs for up to ShutdownGrace before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now()
	e.state.Store("running")
	e.logger.Info("engine loop started", "workers_max", e.cfg.WorkersMax)

	var wg sync.WaitGroup
	defer func() {
		e.drain(&wg)
		e.state.Store("stopped")
		e.logger.Info("engine loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			e.state.Store("draining")
			return nil
		default:
		}

		dispatched := e.tick(ctx, &wg)
		telemetry.WorkerUtilization.Set(e.utilization())

		if dispatched > 0 {
			continue
		}

		wake := e.sched.NextWake(ctx, time.Now())
		sleep := time.Until(wake)
		if sleep <= 0 {
			sleep = e.cfg.TickInterval
		}
		if sleep > e.cfg.TickInterval {
			sleep = e.cfg.TickInterval
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.state.Store("draining")
			return nil
		case <-timer.C:
		}
	}
}

// tick runs one Eligible/Claim/dispatch pass and returns how many jobs it
// dispatched.
func (e *Engine) tick(ctx context.Context, wg *sync.WaitGroup) int {
	eligible, err := e.sched.Eligible(time.Now())
	if err != nil {
		e.recordErr("scheduler", err)
		return 0
	}

	ceiling := e.workerCeiling()
	dispatched := 0

	for _, snap := range eligible {
		if e.inFlightCount() >= ceiling {
			break
		}
		item, ok := e.sched.Claim(snap)
		if !ok {
			continue
		}

		// The job body runs on a context detached from ctx's cancellation
		// (spec §4.10's Drain-then-Abort protocol): SIGTERM must not abort
		// an in-flight publish, only bound how long it's given to finish.
		// jobCtx carries ctx's values but is cancelled by the engine itself,
		// only once ShutdownGrace elapses in drain.
		jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		jobID := e.registerJobCancel(cancel)

		e.addInFlight(1)
		dispatched++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer item.Release()
			defer e.addInFlight(-1)
			defer e.unregisterJobCancel(jobID)
			defer cancel()
			e.runJob(jobCtx, item)
		}()
	}
	return dispatched
}

// runJob executes one tenant's generation-and-publish cycle. The pipeline
// itself records quota/activity completion and every terminal-outcome
// metric (published/deferred/failed) on its own steps (spec §4.4, §4.9);
// Run only returns a Go error for a job that never reached those steps
// (an unknown template, or a failed initial insert), which the pipeline
// never counts itself, so the engine counts it here instead.
func (e *Engine) runJob(ctx context.Context, item scheduler.WorkItem) {
	job := pipeline.Job{Tenant: item.Tenant, TemplateName: item.Tenant.TemplateName}

	postID, outcome, err := e.pipe.Run(ctx, job)
	if err != nil {
		e.recordErr("pipeline", err)
		telemetry.JobsTotal.WithLabelValues("failed").Inc()
		return
	}
	if outcome.Deferred {
		e.logger.Debug("job deferred", "tenant", item.Tenant.ID, "defer", outcome.Defer)
		return
	}
	e.logger.Debug("job completed", "tenant", item.Tenant.ID, "post", postID)
}

func (e *Engine) utilization() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ceiling := e.workerCeiling()
	if ceiling == 0 {
		return 0
	}
	return float64(e.inFlight) / float64(ceiling)
}

func (e *Engine) addInFlight(delta int) {
	e.mu.Lock()
	e.inFlight += delta
	e.mu.Unlock()
}

func (e *Engine) inFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

func (e *Engine) recordErr(component string, err error) {
	e.logger.Error("component error", "component", component, "error", err)
	e.mu.Lock()
	e.lastErr[component] = err.Error()
	e.mu.Unlock()
}

// registerJobCancel tracks a dispatched job's cancel func so drain can
// abort it once the grace period elapses, and returns an id to unregister
// it by (context.CancelFunc values aren't comparable, so a slice keyed by
// identity wouldn't work).
func (e *Engine) registerJobCancel(cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextJobID++
	id := e.nextJobID
	e.jobCancels[id] = cancel
	return id
}

func (e *Engine) unregisterJobCancel(id uint64) {
	e.mu.Lock()
	delete(e.jobCancels, id)
	e.mu.Unlock()
}

// cancelInFlightJobs aborts every job still running, for drain's Abort
// phase.
func (e *Engine) cancelInFlightJobs() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.jobCancels {
		cancel()
	}
}

// drain implements the Drain-then-Abort shutdown protocol (spec §4.10):
// in-flight jobs run on contexts detached from the caller's cancellation
// (see tick), so they first get up to ShutdownGrace to finish on their
// own. Only once that elapses does drain cancel those contexts itself
// (Abort), then waits a second ShutdownGrace for the aborted jobs to
// actually unwind before force-returning regardless, so a job that
// ignores cancellation can't hang shutdown forever.
func (e *Engine) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("shutdown grace period elapsed with jobs still in flight, aborting in-flight work")
		e.cancelInFlightJobs()
		select {
		case <-done:
		case <-time.After(e.cfg.ShutdownGrace):
			e.logger.Error("in-flight jobs did not exit after abort, proceeding anyway")
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.registry.FlushPending(flushCtx); err != nil {
		e.logger.Error("final pending flush failed", "error", err)
	}
}

// Snapshot is the process health surface (spec §4.10).
type Snapshot struct {
	State                string            `json:"state"`
	UptimeSeconds        int64             `json:"uptime_seconds"`
	ActiveTenants        int               `json:"active_tenants"`
	BucketRemainingByKey map[string]int64  `json:"bucket_remaining_by_key"`
	LastErrorByComponent map[string]string `json:"last_error_by_component"`
	SchemaVersion        int               `json:"schema_version"`
	GitCommit            string            `json:"git_commit"`
	Version              string            `json:"version"`
}

// Snapshot reports current engine health for the /health/detail endpoint.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	e.mu.Lock()
	lastErr := make(map[string]string, len(e.lastErr))
	for k, v := range e.lastErr {
		lastErr[k] = v
	}
	e.mu.Unlock()

	buckets := make(map[string]int64, len(e.bucketKeys))
	for _, key := range e.bucketKeys {
		if remaining, ok, err := e.coord.Remaining(ctx, bucket.Key(key)); err == nil && ok {
			buckets[key] = remaining
		}
	}

	state, _ := e.state.Load().(string)
	return Snapshot{
		State:                state,
		UptimeSeconds:        int64(time.Since(e.startedAt).Seconds()),
		ActiveTenants:        len(e.registry.ListActive()),
		BucketRemainingByKey: buckets,
		LastErrorByComponent: lastErr,
		SchemaVersion:        version.SchemaVersion,
		GitCommit:            version.CommitSHA,
		Version:              version.Version,
	}
}
