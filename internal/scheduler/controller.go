package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/obsched/internal/config"
	"github.com/me/obsched/internal/device"
	"github.com/me/obsched/internal/script"
	"github.com/me/obsched/pkg/model"
)

// StatusEvent is published to subscribers whenever the controller status
// changes.
type StatusEvent struct {
	Status model.SchedulerStatus
}

// TransitionFunc receives every job state change together with a copy of
// the job after the change.
type TransitionFunc func(t model.Transition, job *model.Job)

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithScriptRunner sets the runner used for startup and shutdown scripts.
func WithScriptRunner(r *script.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithTransitionHook registers fn for job state changes.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// Controller owns the job list and the scheduling session. Every mutation
// of a job happens under its lock, from Tick, PollWeather or a control call.
type Controller struct {
	mu sync.Mutex

	rig       device.Rig
	evaluator *Evaluator
	exec      *Execution
	runner    *script.Runner
	cfg       config.SchedulerConfig
	logger    *slog.Logger
	now       func() time.Time

	phase   model.SchedulerPhase
	runID   string
	jobs    []*model.Job
	current *model.Job

	startup  StartupState
	shutdown ShutdownState
	parkWait ParkWaitState
	conn     ConnectState

	weather          device.WeatherStatus
	noWeatherUpdates int
	preDawn          time.Time
	sleepUntil       time.Time
	preemptive       bool

	onTransition TransitionFunc

	subMu sync.Mutex
	subs  map[chan StatusEvent]struct{}
	last  model.SchedulerStatus
}

// NewController creates an idle controller over rig.
func NewController(rig device.Rig, evaluator *Evaluator, cfg config.SchedulerConfig, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		rig:       rig,
		evaluator: evaluator,
		exec:      NewExecution(rig, evaluator.Engine(), cfg, logger),
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
		phase:     model.SchedulerIdle,
		startup:   StartupState{Phase: model.StartupIdle},
		shutdown:  ShutdownState{Phase: model.ShutdownIdle},
		parkWait:  ParkWaitState{Phase: model.ParkWaitIdle},
		conn:      ConnectState{Phase: ConnectIdle},
		weather:   device.WeatherIdle,
		subs:      make(map[chan StatusEvent]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = script.NewRunner(logger)
	}
	c.exec.Reevaluate = func(now time.Time) {
		c.evaluator.Evaluate(c.jobs, now, c.weather, true)
	}
	c.last = c.status()
	return c
}

// locked runs fn under the controller lock, then records job transitions and
// publishes the status if it changed.
func (c *Controller) locked(fn func(now time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	before := make(map[*model.Job]model.JobState, len(c.jobs))
	for _, j := range c.jobs {
		before[j] = j.State
	}
	fn(now)
	c.settle(before, now)
}

func (c *Controller) settle(before map[*model.Job]model.JobState, now time.Time) {
	for _, j := range c.jobs {
		from, ok := before[j]
		if !ok || from == j.State {
			continue
		}
		j.UpdatedAt = now
		j.StateChangedAt = now
		if c.onTransition != nil {
			c.onTransition(model.Transition{
				RunID: c.runID,
				JobID: j.ID,
				From:  from,
				To:    j.State,
				At:    now,
			}, j.Clone())
		}
	}

	st := c.status()
	if sameStatus(st, c.last) {
		return
	}
	st.UpdatedAt = now
	c.last = st
	c.publish(StatusEvent{Status: st})
}

// Tick runs one scheduling step.
func (c *Controller) Tick(ctx context.Context) {
	c.locked(func(now time.Time) {
		c.tick(ctx, now)
	})
}

func (c *Controller) tick(ctx context.Context, now time.Time) {
	if c.preemptive && !c.sleepUntil.IsZero() && !now.Before(c.sleepUntil) && c.phase == model.SchedulerIdle {
		c.preemptive = false
		c.sleepUntil = time.Time{}
		c.logger.Info("scheduler is awake")
		c.start(now)
	}

	switch c.phase {
	case model.SchedulerIdle:
		return
	case model.SchedulerPaused:
		// A shutdown keeps going while paused. A running job finishes its
		// current stage; nothing new starts.
		if c.driveShutdown(ctx, now) {
			return
		}
		if c.current != nil && c.current.State == model.JobStateBusy {
			c.advance(ctx, now)
		}
		return
	}

	// A pre-emptive shutdown keeps running while the scheduler sleeps.
	if !c.sleepUntil.IsZero() && !c.preemptive {
		if now.Before(c.sleepUntil) {
			return
		}
		c.sleepUntil = time.Time{}
		c.logger.Info("scheduler is awake, jobs shall be started when ready")
	}

	if c.current == nil {
		if !c.driveShutdown(ctx, now) && c.runParkWait(ctx, now) {
			c.evaluate(ctx, now)
		}
		return
	}

	switch c.current.State {
	case model.JobStateBusy:
		if c.runParkWait(ctx, now) {
			c.advance(ctx, now)
		}
		return
	case model.JobStateScheduled:
	default:
		// The selected job was reset or edited before it started.
		c.current = nil
		return
	}

	if c.startup.Phase == model.StartupError {
		c.stop(ctx, now)
		return
	}
	if scriptPhase(c.startup.Phase) {
		c.runStartup(ctx, now)
		if scriptPhase(c.startup.Phase) {
			return
		}
	}
	if !c.runConnect(ctx, now) || !c.runParkWait(ctx, now) {
		return
	}
	if !c.runStartup(ctx, now) {
		return
	}
	if c.startup.Phase == model.StartupError {
		c.stop(ctx, now)
		return
	}
	c.execute(now)
}

// driveShutdown steps a shutdown in progress and ends the session once the
// procedure settles. It reports whether there was a shutdown to drive.
func (c *Controller) driveShutdown(ctx context.Context, now time.Time) bool {
	switch {
	case c.shutdown.Phase == model.ShutdownComplete || c.shutdown.Phase == model.ShutdownError:
		c.disconnect(ctx)
		if c.shutdown.Phase == model.ShutdownComplete {
			c.logger.Info("shutdown complete")
		} else {
			c.logger.Error("shutdown procedure failed, aborting")
		}
		c.stop(ctx, now)
	case c.shutdown.Phase.InProgress():
		c.runShutdown(ctx, now)
	default:
		return false
	}
	return true
}

// evaluate runs a full evaluation and acts on the selected job.
func (c *Controller) evaluate(ctx context.Context, now time.Time) {
	res := c.evaluator.Evaluate(c.jobs, now, c.weather, false)
	c.preDawn = res.PreDawn

	if res.AllAborted {
		c.exec.Failures.Reset()
		for _, j := range c.jobs {
			if j.State == model.JobStateAborted {
				j.Reset()
			}
		}
		c.sleep(now.Add(c.cfg.AbortedSleep))
		c.logger.Info("all jobs aborted, resetting and sleeping", "until", c.sleepUntil)
		return
	}

	job := res.Selected
	if job == nil {
		if c.startup.Phase == model.StartupComplete {
			c.logger.Info("no jobs left in the queue, starting shutdown procedure")
			c.beginShutdown(ctx, now)
		} else {
			c.logger.Info("no jobs left in the queue, stopping scheduler")
			c.stop(ctx, now)
		}
		return
	}

	c.current = job
	wait := job.StartupTime.Sub(now)

	if c.parkWait.Phase == model.ParkWaitParked {
		c.parkWait.Phase = model.ParkWaitUnpark
		return
	}

	if c.startup.Phase == model.StartupComplete && c.cfg.PreemptiveShutdown && wait > c.cfg.PreemptiveShutdownTime {
		c.logger.Info("observatory scheduled for shutdown until next job is ready",
			"job", job.Name, "startup", job.StartupTime)
		c.preemptive = true
		c.sleep(job.StartupTime)
		c.beginShutdown(ctx, now)
		return
	}

	if wait <= time.Second {
		return
	}
	if wait > c.cfg.LeadTime &&
		c.startup.Phase == model.StartupComplete &&
		c.parkWait.Phase == model.ParkWaitIdle &&
		job.RequiresTracking() &&
		c.cfg.ParkMountWhileWaiting &&
		c.rig.Mount != nil {
		c.logger.Info("parking the mount until the job is ready", "job", job.Name, "startup", job.StartupTime)
		c.parkWait.Phase = model.ParkWaitPark
		return
	}
	c.sleep(job.StartupTime)
	c.logger.Info("sleeping until observation job is ready", "job", job.Name, "startup", job.StartupTime)
}

// execute starts the selected job once it is due.
func (c *Controller) execute(now time.Time) {
	job := c.current
	if job.StartupTime.After(now) {
		return
	}
	if c.parkWait.Phase == model.ParkWaitUnparked {
		c.parkWait.Phase = model.ParkWaitIdle
	}
	c.preDawn = c.evaluator.Engine().PreDawn(now)
	c.exec.SetPreDawn(c.preDawn)
	c.exec.Begin(job)
}

// advance steps the running job and handles its outcome.
func (c *Controller) advance(ctx context.Context, now time.Time) {
	job := c.current
	step := c.exec.Advance(ctx, job, now)

	if step.UnparkRequested {
		switch c.parkWait.Phase {
		case model.ParkWaitUnpark, model.ParkWaitUnparking:
		default:
			c.parkWait.Phase = model.ParkWaitUnpark
		}
	}

	if step.Outcome.Terminal() {
		next, more := c.exec.FindNextJob(ctx, job, c.jobs, now)
		c.current = next
		step.ShutdownRequested = step.ShutdownRequested || more.ShutdownRequested
	}
	if step.ShutdownRequested {
		c.beginShutdown(ctx, now)
	}
}

func (c *Controller) sleep(until time.Time) {
	c.sleepUntil = until
}

// Start begins a scheduling session.
func (c *Controller) Start() error {
	var err error
	c.locked(func(now time.Time) {
		if c.phase != model.SchedulerIdle {
			err = &model.InvalidPhaseError{Action: "start", Phase: c.phase}
			return
		}
		c.preemptive = false
		c.sleepUntil = time.Time{}
		c.start(now)
	})
	return err
}

func (c *Controller) start(now time.Time) {
	c.phase = model.SchedulerRunning
	c.current = nil
	c.runID = "run_" + uuid.New().String()
	for _, j := range c.jobs {
		if j.State == model.JobStateAborted {
			j.Reset()
		}
	}
	c.preDawn = c.evaluator.Engine().PreDawn(now)
	c.logger.Info("scheduler started", "run_id", c.runID, "jobs", len(c.jobs), "pre_dawn", c.preDawn)
}

// Stop ends the session. Jobs that did not finish are marked ABORTED. A
// shutdown procedure already under way runs to its end first, and the
// session stops when it settles.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	c.locked(func(now time.Time) {
		if c.phase == model.SchedulerIdle {
			err = &model.InvalidPhaseError{Action: "stop", Phase: c.phase}
			return
		}
		c.preemptive = false
		if c.shutdown.Phase.InProgress() {
			c.sleepUntil = time.Time{}
			c.abortUnfinished(ctx)
			c.logger.Info("scheduler stops once the shutdown procedure completes", "shutdown", c.shutdown.Phase)
			return
		}
		c.stop(ctx, now)
	})
	return err
}

func (c *Controller) abortUnfinished(ctx context.Context) {
	for _, j := range c.jobs {
		if j == c.current {
			c.exec.StopAction(ctx, j)
			c.exec.StopGuiding(ctx, j)
		}
		if j.State.Order() <= model.JobStateBusy.Order() {
			c.logger.Info("job has not been processed upon scheduler stop, marking aborted", "job", j.Name)
			j.SetState(model.JobStateAborted)
		}
	}
}

func (c *Controller) stop(ctx context.Context, now time.Time) {
	if !c.preemptive {
		c.abortUnfinished(ctx)
	}

	c.phase = model.SchedulerIdle
	c.conn = ConnectState{Phase: ConnectIdle}
	c.parkWait = ParkWaitState{Phase: model.ParkWaitIdle}

	// A finished startup is not rerun, but unparking is checked again on the
	// next start.
	if c.startup.Phase != model.StartupComplete || c.preemptive {
		c.runner.Cancel()
		c.startup = StartupState{Phase: model.StartupIdle}
	} else {
		switch {
		case c.cfg.Startup.UnparkDome:
			c.startup.Phase = model.StartupUnparkDome
		case c.cfg.Startup.UnparkMount:
			c.startup.Phase = model.StartupUnparkMount
		case c.cfg.Startup.UnparkCap:
			c.startup.Phase = model.StartupUnparkCap
		}
	}
	c.shutdown = ShutdownState{Phase: model.ShutdownIdle}
	c.current = nil
	c.exec.Reset()

	if c.preemptive {
		c.logger.Info("scheduler is in shutdown until next job is ready", "until", c.sleepUntil)
		return
	}
	c.runner.Cancel()
	c.sleepUntil = time.Time{}
	c.logger.Info("scheduler stopped", "run_id", c.runID, "at", now)
}

// Pause stops new jobs from starting. A running job keeps going.
func (c *Controller) Pause() error {
	var err error
	c.locked(func(time.Time) {
		if c.phase != model.SchedulerRunning {
			err = &model.InvalidPhaseError{Action: "pause", Phase: c.phase}
			return
		}
		c.phase = model.SchedulerPaused
		c.logger.Info("scheduler paused")
	})
	return err
}

// Resume continues a paused session.
func (c *Controller) Resume() error {
	var err error
	c.locked(func(time.Time) {
		if c.phase != model.SchedulerPaused {
			err = &model.InvalidPhaseError{Action: "resume", Phase: c.phase}
			return
		}
		c.phase = model.SchedulerRunning
		c.logger.Info("scheduler resumed")
	})
	return err
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() model.SchedulerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.status()
	st.UpdatedAt = c.last.UpdatedAt
	return st
}

func (c *Controller) status() model.SchedulerStatus {
	st := model.SchedulerStatus{
		Phase:         c.phase,
		StartupPhase:  c.startup.Phase,
		ShutdownPhase: c.shutdown.Phase,
		ParkWaitPhase: c.parkWait.Phase,
		Weather:       string(c.weather),
		PreDawn:       c.preDawn,
	}
	if c.current != nil {
		st.CurrentJobID = c.current.ID
		st.CurrentJob = c.current.Name
		st.CurrentStage = c.current.Stage
	}
	if !c.sleepUntil.IsZero() {
		until := c.sleepUntil
		st.SleepingUntil = &until
	}
	return st
}

func sameStatus(a, b model.SchedulerStatus) bool {
	sa, sb := a.SleepingUntil, b.SleepingUntil
	a.SleepingUntil, b.SleepingUntil = nil, nil
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	if a != b {
		return false
	}
	if sa == nil || sb == nil {
		return sa == sb
	}
	return sa.Equal(*sb)
}

// SleepingUntil returns when the controller wakes up, or the zero time.
func (c *Controller) SleepingUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleepUntil
}

// RunID identifies the current or last session.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Subscribe returns a channel of status changes, closed when ctx ends. Slow
// subscribers miss events.
func (c *Controller) Subscribe(ctx context.Context) <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subMu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.subMu.Unlock()
	}()
	return ch
}

func (c *Controller) publish(ev StatusEvent) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("status subscriber is slow, event dropped")
		}
	}
}

// Jobs returns copies of all jobs.
func (c *Controller) Jobs() []*model.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Job, len(c.jobs))
	for i, j := range c.jobs {
		out[i] = j.Clone()
	}
	return out
}

// Job returns a copy of the job with id, or nil.
func (c *Controller) Job(id string) *model.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j := c.find(id); j != nil {
		return j.Clone()
	}
	return nil
}

func (c *Controller) find(id string) *model.Job {
	for _, j := range c.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// SetJobs replaces the job list. It is refused during a session.
func (c *Controller) SetJobs(jobs []*model.Job) error {
	var err error
	c.locked(func(time.Time) {
		if c.phase != model.SchedulerIdle {
			err = &model.InvalidPhaseError{Action: "replace jobs of", Phase: c.phase}
			return
		}
		c.jobs = append([]*model.Job(nil), jobs...)
		c.logger.Info("job list loaded", "jobs", len(jobs))
	})
	return err
}

// AddJob appends job to the list. It is refused during a session.
func (c *Controller) AddJob(job *model.Job) error {
	var err error
	c.locked(func(now time.Time) {
		if c.phase != model.SchedulerIdle {
			err = &model.InvalidPhaseError{Action: "add a job to", Phase: c.phase}
			return
		}
		if c.find(job.ID) != nil {
			err = &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf("job '%s' already exists", job.ID)}
			return
		}
		for _, other := range c.jobs {
			if job.IsDuplicateOf(other) {
				c.logger.Warn("job is a duplicate of another job", "job", job.Name, "other", other.ID)
			}
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		c.jobs = append(c.jobs, job)
		c.logger.Info("job added", "job", job.Name, "id", job.ID)
	})
	return err
}

// RemoveJob deletes a job. It is refused during a session.
func (c *Controller) RemoveJob(id string) error {
	var err error
	c.locked(func(time.Time) {
		if c.phase != model.SchedulerIdle {
			err = &model.InvalidPhaseError{Action: "remove a job from", Phase: c.phase}
			return
		}
		for i, j := range c.jobs {
			if j.ID == id {
				c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
				c.logger.Info("job removed", "job", j.Name, "id", id)
				return
			}
		}
		err = model.NewNotFoundError("job", id)
	})
	return err
}

// ResetJob returns a job to IDLE so that it is evaluated again. The running
// job cannot be reset.
func (c *Controller) ResetJob(id string) error {
	var err error
	c.locked(func(time.Time) {
		j := c.find(id)
		switch {
		case j == nil:
			err = model.NewNotFoundError("job", id)
		case j == c.current && j.State == model.JobStateBusy:
			err = &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf("job '%s' is running", id)}
		default:
			j.Reset()
			c.logger.Info("job reset", "job", j.Name)
		}
	})
	return err
}
