package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/credsrv"
	"github.com/pksorensen/devspawn/internal/log"
	"github.com/pksorensen/devspawn/internal/spawn"
)

// Spawner is the orchestrator seam the daemon dispatches jobs through.
type Spawner interface {
	Spawn(ctx context.Context, opts spawn.Options) *spawn.Result
}

// DaemonOptions wires a daemon's collaborators.
type DaemonOptions struct {
	Config       *config.GlobalConfig
	Registration config.Registration
	Client       *Client
	Containers   *ContainerStore
	Spawner      Spawner
	CredServer   *credsrv.Server

	// Clone defaults to CloneRepository.
	Clone CloneFunc
	// Token authenticates git clones inside jobs.
	Token string
	// WorkDir is the base directory for job clones; defaults to
	// ~/.devspawn/jobs.
	WorkDir string
}

// Daemon polls the queue server for jobs and dispatches them into
// containers, one at a time.
type Daemon struct {
	opts DaemonOptions

	mu        sync.Mutex
	active    map[string]bool
	processed int
	failed    int
}

func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Client == nil || opts.Spawner == nil || opts.Containers == nil {
		return nil, fmt.Errorf("daemon requires a client, spawner, and container store")
	}
	if opts.Clone == nil {
		opts.Clone = CloneRepository
	}
	if opts.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving job directory: %w", err)
		}
		opts.WorkDir = filepath.Join(home, ".devspawn", "jobs")
	}
	// Job execution is strictly sequential: overlapping spawns would
	// need per-job volume isolation the orchestrator does not provide.
	if opts.Config != nil && opts.Config.Daemon.MaxConcurrentJobs > 1 {
		log.Warn("max_concurrent_jobs above 1 is not supported, running sequentially",
			"configured", opts.Config.Daemon.MaxConcurrentJobs)
	}
	// Entries left in-use by a crashed daemon must not block jobs.
	if err := opts.Containers.ResetInUse(); err != nil {
		return nil, err
	}
	return &Daemon{opts: opts, active: make(map[string]bool)}, nil
}

// Counters returns the processed and failed job totals.
func (d *Daemon) Counters() (processed, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed, d.failed
}

// Run starts the credential server and the polling loop and blocks
// until ctx is cancelled. The credential server runs for the whole
// daemon lifetime; per-job work must never block its accept loop.
func (d *Daemon) Run(ctx context.Context) error {
	if d.opts.CredServer != nil {
		if err := d.opts.CredServer.Start(); err != nil {
			// Jobs cannot safely proceed without credential forwarding.
			return fmt.Errorf("starting credential server: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.opts.CredServer.Stop(stopCtx); err != nil {
				log.Warn("stopping credential server", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.pollLoop(ctx) })
	return g.Wait()
}

func (d *Daemon) pollLoop(ctx context.Context) error {
	interval := 30 * time.Second
	if d.opts.Config != nil && d.opts.Config.PollingInterval() > 0 {
		interval = d.opts.Config.PollingInterval()
	}
	log.Info("runner started",
		"registration", d.opts.Registration.Name,
		"project", d.opts.Registration.Owner+"/"+d.opts.Registration.Project,
		"interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.pollOnce(ctx)
		select {
		case <-ctx.Done():
			processed, failed := d.Counters()
			log.Info("runner stopping", "processed", processed, "failed", failed)
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce claims at most one job and runs it to completion. Polling
// failures are logged and retried on the next interval; they never
// terminate the loop.
func (d *Daemon) pollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	reg := d.opts.Registration
	job, err := d.opts.Client.ClaimJob(ctx, reg.Owner, reg.Project)
	if err != nil {
		log.Warn("polling for jobs failed", "error", err)
		return
	}
	if job == nil {
		log.Debug("no job available")
		return
	}

	if !d.claim(job.ID) {
		log.Warn("job already active, skipping duplicate dispatch", "job", job.ID)
		return
	}
	defer d.finish(job.ID)

	// An in-flight job runs to completion even when shutdown is
	// requested; only the poll loop observes cancellation.
	d.executeJob(context.WithoutCancel(ctx), *job)
}

func (d *Daemon) claim(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[jobID] {
		return false
	}
	d.active[jobID] = true
	return true
}

func (d *Daemon) finish(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, jobID)
}

func (d *Daemon) executeJob(ctx context.Context, job Job) {
	log.SetJobID(job.ID)
	defer log.ClearJobID()
	log.Info("job received", "run", job.RunID, "workflow", job.WorkflowID,
		"branch", job.Branch, "named", job.Named())

	status := &JobStatus{Job: job, State: StateCloning, StartedAt: time.Now()}

	var entry *NamedContainerEntry
	if job.Named() {
		var err error
		entry, err = d.opts.Containers.Acquire(job.ContainerName, job.RepositoryURL)
		if err != nil {
			d.jobFailed(status, fmt.Errorf("acquiring named container: %w", err))
			return
		}
		// Guaranteed release on every exit path, success or failure.
		defer func() {
			if err := d.opts.Containers.Release(job.ContainerName); err != nil {
				log.Warn("releasing named container", "container", job.ContainerName, "error", err)
			}
		}()
	}

	clonePath := d.clonePathFor(job, entry)
	status.ClonePath = clonePath

	if _, err := os.Stat(filepath.Join(clonePath, ".git")); err != nil {
		if err := d.opts.Clone(ctx, job.RepositoryURL, job.Branch, clonePath, d.opts.Token); err != nil {
			d.jobFailed(status, err)
			return
		}
	} else {
		log.Debug("reusing existing clone", "path", clonePath)
	}

	if err := status.Advance(StateBuilding); err != nil {
		d.jobFailed(status, err)
		return
	}

	result := d.opts.Spawner.Spawn(ctx, d.spawnOptions(job, clonePath))
	if !result.Success {
		d.jobFailed(status, fmt.Errorf("spawn failed at %s: %s", result.CompletedStep, result.Message))
		return
	}
	status.ContainerID = result.ContainerID

	if job.Named() {
		if err := d.opts.Containers.SetContainer(job.ContainerName, result.ContainerID, clonePath); err != nil {
			log.Warn("recording named container", "error", err)
		}
	}

	_ = status.Advance(StateRunning)
	_ = status.Advance(StateCompleted)
	d.mu.Lock()
	d.processed++
	processed := d.processed
	d.mu.Unlock()
	log.Info("job completed", "container", result.ContainerID, "duration", result.Duration,
		"processed", processed)

	d.cleanupJob(status)
}

func (d *Daemon) jobFailed(status *JobStatus, err error) {
	_ = status.Advance(StateFailed)
	d.mu.Lock()
	d.failed++
	d.mu.Unlock()
	log.Error("job failed", "state", status.State, "error", err)
	d.cleanupJob(status)
}

// cleanupJob removes ephemeral job clones. Named containers keep their
// clone path so the next job reuses it.
func (d *Daemon) cleanupJob(status *JobStatus) {
	if status.State != StateCompleted && status.State != StateFailed {
		return
	}
	_ = status.Advance(StateCleaning)
	if status.Job.Named() || status.ClonePath == "" {
		return
	}
	if err := os.RemoveAll(status.ClonePath); err != nil {
		log.Warn("removing job clone", "path", status.ClonePath, "error", err)
	}
}

func (d *Daemon) clonePathFor(job Job, entry *NamedContainerEntry) string {
	if entry != nil && entry.ClonePath != "" {
		return entry.ClonePath
	}
	if job.Named() {
		return filepath.Join(d.opts.WorkDir, "named", job.ContainerName)
	}
	return filepath.Join(d.opts.WorkDir, job.ID)
}

func (d *Daemon) spawnOptions(job Job, clonePath string) spawn.Options {
	projectName := job.ContainerName
	if projectName == "" {
		projectName = filepath.Base(clonePath)
	}
	// The credential socket rides into the container so the job can
	// fetch its token; without the server there is nothing to mount.
	var credSocket string
	if d.opts.CredServer != nil {
		credSocket = d.opts.CredServer.SocketPath()
	}
	return spawn.Options{
		ProjectName:           projectName,
		ProjectPath:           clonePath,
		WorkingDir:            clonePath,
		CopySourceFiles:       true,
		ReuseExisting:         job.Named(),
		UseBootstrapContainer: true,
		RebuildBehavior:       spawn.RebuildAuto,
		CredentialSocket:      credSocket,
	}
}
