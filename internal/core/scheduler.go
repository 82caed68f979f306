package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BuildRunner runs one build of a project to completion.
type BuildRunner interface {
	RunBuild(ctx context.Context, name string) (*BuildStatus, error)
}

// Observer is notified of dispatcher events. Calls happen outside the
// dispatcher lock and may come from several goroutines.
type Observer interface {
	JobQueued(project string, depth int)
	JobSuppressed(project string)
	BuildStarted(project string, active int, waited time.Duration)
	BuildFinished(project string, result Result, elapsed time.Duration, active int)
}

type nopObserver struct{}

func (nopObserver) JobQueued(string, int)                            {}
func (nopObserver) JobSuppressed(string)                             {}
func (nopObserver) BuildStarted(string, int, time.Duration)          {}
func (nopObserver) BuildFinished(string, Result, time.Duration, int) {}

// ShutdownMode selects what happens to in-flight builds on Shutdown.
type ShutdownMode int

const (
	// ShutdownWait waits for running builds to finish.
	ShutdownWait ShutdownMode = iota
	// ShutdownAbandon returns immediately and leaves running builds behind.
	ShutdownAbandon
)

func (m ShutdownMode) String() string {
	if m == ShutdownAbandon {
		return "abandon"
	}
	return "wait"
}

// ParseShutdownMode maps "wait" or "abandon" to a ShutdownMode.
func ParseShutdownMode(s string) (ShutdownMode, error) {
	switch s {
	case "", "wait":
		return ShutdownWait, nil
	case "abandon":
		return ShutdownAbandon, nil
	default:
		return ShutdownWait, fmt.Errorf("unknown shutdown mode %q", s)
	}
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// MaxJobs bounds the number of concurrently running builds. Values below 1 mean 1.
	MaxJobs int
	// DeferBusy leaves a queued job in place while its project is running
	// and does not allow concurrent builds, dispatching later jobs first.
	DeferBusy bool
	Observer  Observer
	Logger    *slog.Logger
}

// Dispatcher converts triggered build requests into running builds, never
// running more than MaxJobs at once. Queue, running set and active count
// live behind one mutex.
type Dispatcher struct {
	registry  *Registry
	builder   BuildRunner
	maxJobs   int
	deferBusy bool
	observer  Observer
	logger    *slog.Logger

	mu      sync.Mutex
	queue   JobQueue
	running map[string]int
	active  int
	stopped bool
	fault   error
	// changed is closed and replaced whenever a build completes, the
	// queue is drained or a fault is recorded.
	changed chan struct{}

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the projects in registry.
func NewDispatcher(registry *Registry, builder BuildRunner, opts DispatcherOptions) *Dispatcher {
	if opts.MaxJobs < 1 {
		opts.MaxJobs = 1
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		builder:   builder,
		maxJobs:   opts.MaxJobs,
		deferBusy: opts.DeferBusy,
		observer:  opts.Observer,
		logger:    opts.Logger,
		running:   make(map[string]int),
		changed:   make(chan struct{}),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Trigger requests a build of the named project. It reports false without
// error when the request is suppressed because the project is already
// queued or running and does not allow concurrent builds.
func (d *Dispatcher) Trigger(name string) (bool, error) {
	allowConcurrent, err := d.registry.AllowsConcurrentBuilds(name)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	if d.fault != nil {
		d.mu.Unlock()
		return false, d.fault
	}
	if d.stopped {
		d.mu.Unlock()
		return false, ErrDispatcherStopped
	}
	if !allowConcurrent && (d.running[name] > 0 || d.queue.Contains(name)) {
		d.mu.Unlock()
		d.logger.Debug("trigger suppressed", "project", name)
		d.observer.JobSuppressed(name)
		return false, nil
	}
	job := NewJob(name)
	d.queue.Push(job)
	depth := d.queue.Len()
	d.mu.Unlock()

	d.logger.Debug("job queued", "project", name, "job", job.ID, "depth", depth)
	d.observer.JobQueued(name, depth)
	d.signal()
	return true, nil
}

// Run is the dispatch loop. It launches queued builds whenever a slot is
// free and sleeps until a trigger or completion wakes it. It returns nil
// when ctx is done or Shutdown is called, and the invariant violation if
// the dispatcher state becomes inconsistent. Once Run returns, Trigger
// refuses new jobs; Shutdown still collects the ones left queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.closeIntake()
	buildCtx := context.WithoutCancel(ctx)
	for {
		if err := d.dispatch(buildCtx); err != nil {
			d.logger.Error("dispatcher halted", "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case <-d.wake:
		}
	}
}

// dispatch reserves slots and dequeues jobs in one critical section, then
// starts each build in its own goroutine.
func (d *Dispatcher) dispatch(ctx context.Context) error {
	var launched []Job

	d.mu.Lock()
	for d.fault == nil && !d.stopped && d.active < d.maxJobs {
		i := d.nextEligible()
		if i < 0 {
			break
		}
		job, _ := d.queue.RemoveAt(i)
		d.active++
		d.running[job.Project]++
		d.checkLocked()
		d.inflight.Add(1)
		launched = append(launched, job)
	}
	active := d.active
	fault := d.fault
	d.mu.Unlock()

	for _, job := range launched {
		go d.execute(ctx, job, active)
	}
	return fault
}

// nextEligible returns the queue index of the next job to start, or -1.
// Must be called with d.mu held.
func (d *Dispatcher) nextEligible() int {
	if d.queue.Len() == 0 {
		return -1
	}
	if !d.deferBusy {
		return 0
	}
	for i := 0; i < d.queue.Len(); i++ {
		project := d.queue.At(i).Project
		if d.running[project] == 0 {
			return i
		}
		allow, err := d.registry.AllowsConcurrentBuilds(project)
		if err != nil || allow {
			return i
		}
	}
	return -1
}

func (d *Dispatcher) execute(ctx context.Context, job Job, active int) {
	defer d.inflight.Done()

	start := time.Now()
	result := ResultError
	defer func() {
		d.complete(job, result, time.Since(start))
	}()

	d.observer.BuildStarted(job.Project, active, start.Sub(job.QueuedAt))
	logger := d.logger.With("project", job.Project, "job", job.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("build runner panicked", "panic", r)
		}
	}()

	status, err := d.builder.RunBuild(ctx, job.Project)
	if err != nil {
		logger.Error("build rejected", "error", err)
		return
	}
	if r, ok := status.Result(); ok {
		result = r
	}
}

// complete releases the slot held by job and wakes the dispatch loop.
func (d *Dispatcher) complete(job Job, result Result, elapsed time.Duration) {
	d.mu.Lock()
	d.active--
	d.running[job.Project]--
	if d.running[job.Project] == 0 {
		delete(d.running, job.Project)
	}
	d.checkLocked()
	d.notifyLocked()
	active := d.active
	d.mu.Unlock()

	d.observer.BuildFinished(job.Project, result, elapsed, active)
	d.signal()
}

// checkLocked verifies the slot accounting. Must be called with d.mu held.
func (d *Dispatcher) checkLocked() {
	if d.fault != nil {
		return
	}
	if d.active < 0 || d.active > d.maxJobs {
		d.setFaultLocked(fmt.Sprintf("active jobs %d outside [0, %d]", d.active, d.maxJobs))
		return
	}
	sum := 0
	for project, n := range d.running {
		if n < 0 {
			d.setFaultLocked(fmt.Sprintf("project %s has %d running builds", project, n))
			return
		}
		sum += n
	}
	if sum != d.active {
		d.setFaultLocked(fmt.Sprintf("running set holds %d builds but %d slots are active", sum, d.active))
	}
}

func (d *Dispatcher) setFaultLocked(detail string) {
	d.fault = &InvariantViolationError{Detail: detail}
	d.logger.Error("scheduler invariant violated", "detail", detail)
	d.notifyLocked()
}

// notifyLocked wakes WaitIdle callers. Must be called with d.mu held.
func (d *Dispatcher) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Dispatcher) closeIntake() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops intake and returns the jobs that never started so the
// caller can persist them. With ShutdownWait it blocks until in-flight
// builds finish or ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context, mode ShutdownMode) ([]Job, error) {
	d.mu.Lock()
	d.stopped = true
	pending := d.queue.Drain()
	d.notifyLocked()
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stop) })

	if mode == ShutdownAbandon {
		return pending, nil
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return pending, nil
	case <-ctx.Done():
		return pending, fmt.Errorf("wait for running builds: %w", ctx.Err())
	}
}

// Err returns the invariant violation that halted the dispatcher, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fault
}

// Pending returns the queued jobs in dispatch order.
func (d *Dispatcher) Pending() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Snapshot()
}

// Running returns the number of running builds per project.
func (d *Dispatcher) Running() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.running))
	for k, v := range d.running {
		out[k] = v
	}
	return out
}

// Active returns the number of occupied job slots.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// MaxJobs returns the configured slot count.
func (d *Dispatcher) MaxJobs() int {
	return d.maxJobs
}

// State reports where the named project is in its job lifecycle.
func (d *Dispatcher) State(name string) JobState {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.running[name] > 0:
		return StateRunning
	case d.queue.Contains(name):
		return StateQueued
	default:
		return StateIdle
	}
}

// WaitIdle blocks until nothing is queued or running, or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := d.active == 0 && d.queue.Len() == 0
		fault := d.fault
		changed := d.changed
		d.mu.Unlock()
		if fault != nil {
			return fault
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
