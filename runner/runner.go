package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/postbatch/model"
	"github.com/evergreen-ci/postbatch/monitor"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.GetTracerProvider().Tracer("github.com/evergreen-ci/postbatch/runner")

const (
	poolIDAttribute    = "postbatch.pool.id"
	jobIDAttribute     = "postbatch.job.id"
	containerAttribute = "postbatch.storage.container"
	taskCountAttribute = "postbatch.tasks.count"
	resourceAttribute  = "postbatch.stage.resource"
)

// State is a step of a run. States are only ever entered in the order
// they are declared.
type State string

const (
	StateInit           State = "init"
	StateStagingReady   State = "staging-ready"
	StatePoolReady      State = "pool-ready"
	StateJobReady       State = "job-ready"
	StateGraphSubmitted State = "graph-submitted"
	StateMonitoring     State = "monitoring"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateTimedOut       State = "timed-out"
	StateTornDown       State = "torn-down"
)

// Stage names the step of a run an error occurred in.
type Stage string

const (
	StageStaging    Stage = "staging"
	StagePool       Stage = "pool provisioning"
	StageJob        Stage = "job provisioning"
	StageGraph      Stage = "graph construction"
	StageSubmission Stage = "task submission"
	StageMonitoring Stage = "monitoring"
)

// StageError is returned by Run when a stage fails.
type StageError struct {
	Stage      Stage
	ResourceID string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s of '%s' failed: %s", e.Stage, e.ResourceID, e.Err)
}

func (e *StageError) Cause() error  { return e.Err }
func (e *StageError) Unwrap() error { return e.Err }

// Stager manages the shared output container and its credentials.
type Stager interface {
	Container() string
	EnsureContainer(ctx context.Context) (model.CreateOutcome, error)
	SharedWriteCredential() (model.ScopedCredential, error)
	model.ReferenceDeriver
}

// PoolProvisioner creates and deletes the worker pool.
type PoolProvisioner interface {
	EnsurePool(ctx context.Context, spec model.PoolSpec) (model.CreateOutcome, error)
	DeletePool(ctx context.Context, poolID string) error
}

// JobProvisioner creates the job, submits its tasks and deletes it.
type JobProvisioner interface {
	EnsureJob(ctx context.Context, spec model.JobSpec) (model.CreateOutcome, error)
	SubmitTasks(ctx context.Context, jobID string, tasks []model.TaskNode) error
	DeleteJob(ctx context.Context, jobID string) error
}

// CompletionWaiter blocks until the listed tasks finish.
type CompletionWaiter interface {
	AwaitAll(ctx context.Context, jobID string, taskIDs []string, timeout time.Duration) error
}

// Options are the collaborators of a Runner.
type Options struct {
	Settings postbatch.Settings
	Stager   Stager
	Pools    PoolProvisioner
	Jobs     JobProvisioner
	Monitor  CompletionWaiter
	// TeardownTimeout bounds the deletion of the job and pool. It defaults
	// to five minutes.
	TeardownTimeout time.Duration
}

func (o *Options) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Stager == nil, "stager must be specified")
	catcher.NewWhen(o.Pools == nil, "pool provisioner must be specified")
	catcher.NewWhen(o.Jobs == nil, "job provisioner must be specified")
	catcher.NewWhen(o.Monitor == nil, "completion waiter must be specified")
	catcher.NewWhen(o.TeardownTimeout < 0, "teardown timeout cannot be negative")
	return catcher.Resolve()
}

// Runner drives a single run from provisioning through teardown.
type Runner struct {
	settings        postbatch.Settings
	stager          Stager
	pools           PoolProvisioner
	jobs            JobProvisioner
	monitor         CompletionWaiter
	teardownTimeout time.Duration

	mu       sync.Mutex
	state    State
	outcome  State
	started  bool
	teardown sync.Once
}

// New returns a Runner over the given collaborators. The settings are
// copied and must already be validated.
func New(opts Options) (*Runner, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid runner options")
	}
	if opts.TeardownTimeout == 0 {
		opts.TeardownTimeout = postbatch.DefaultTeardownTimeout
	}

	return &Runner{
		settings:        opts.Settings,
		stager:          opts.Stager,
		pools:           opts.Pools,
		jobs:            opts.Jobs,
		monitor:         opts.Monitor,
		teardownTimeout: opts.TeardownTimeout,
		state:           StateInit,
	}, nil
}

// State returns the last state the run reached.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Outcome returns the terminal result of the run: succeeded, failed or
// timed out. It is empty while the run is in progress.
func (r *Runner) Outcome() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		r.outcome = s
	}

	grip.Debug(message.Fields{
		"message": "run state changed",
		"state":   s,
		"job":     r.settings.Batch.JobID,
	})
}

func (r *Runner) poolSpec() model.PoolSpec {
	batch := r.settings.Batch
	return model.PoolSpec{
		ID:             batch.PoolID,
		VMSize:         batch.VMSize,
		NodeAgentSKUID: batch.NodeAgentSKUID,
		Image: model.ImageReference{
			Publisher: batch.Image.Publisher,
			Offer:     batch.Image.Offer,
			SKU:       batch.Image.SKU,
			Version:   batch.Image.Version,
		},
		Registry: model.RegistryBinding{
			Server:   r.settings.Registry.Server,
			User:     r.settings.Registry.User,
			Password: r.settings.Registry.Password,
		},
		ContainerImages:  []string{r.settings.Registry.ImageName()},
		DedicatedNodes:   batch.DedicatedNodes,
		LowPriorityNodes: batch.LowPriorityNodes,
		TaskSlotsPerNode: batch.TaskSlotsPerNode,
	}
}

func (r *Runner) jobSpec() model.JobSpec {
	return model.JobSpec{
		ID:                   r.settings.Batch.JobID,
		PoolID:               r.settings.Batch.PoolID,
		UsesTaskDependencies: true,
		Priority:             r.settings.Batch.JobPriority,
	}
}

// runStage runs fn in its own span and wraps any error it returns in a
// StageError.
func runStage(ctx context.Context, stage Stage, resourceID string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, string(stage), trace.WithAttributes(attribute.String(resourceAttribute, resourceID)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("%s failed", stage))
		span.RecordError(err)
		return &StageError{Stage: stage, ResourceID: resourceID, Err: err}
	}
	return nil
}

// Run provisions the staging container, pool and job, submits the task
// graph and waits for it. Once the pool has been provisioned the job and
// pool are torn down according to the settings on every return path,
// including cancellation of ctx.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner has already been run")
	}
	r.started = true
	r.mu.Unlock()

	ctx, span := tracer.Start(ctx, "postbatch-run", trace.WithAttributes(
		attribute.String(poolIDAttribute, r.settings.Batch.PoolID),
		attribute.String(jobIDAttribute, r.settings.Batch.JobID),
		attribute.String(containerAttribute, r.stager.Container()),
		attribute.Int(taskCountAttribute, len(r.settings.Items)+1),
	))
	defer span.End()

	startAt := time.Now()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, "run failed")
			span.RecordError(err)
		}
		grip.Info(message.Fields{
			"message":  "run finished",
			"outcome":  r.Outcome(),
			"state":    r.State(),
			"job":      r.settings.Batch.JobID,
			"pool":     r.settings.Batch.PoolID,
			"items":    len(r.settings.Items),
			"duration": strings.TrimSpace(humanize.RelTime(startAt, time.Now(), "", "")),
			"error":    errorString(err),
		})
	}()

	var sharedWrite model.ScopedCredential
	if err = runStage(ctx, StageStaging, r.stager.Container(), func(ctx context.Context) error {
		// The credential is issued first so that a storage account that
		// cannot sign tokens fails before anything is created.
		cred, err := r.stager.SharedWriteCredential()
		if err != nil {
			return err
		}
		sharedWrite = cred
		_, err = r.stager.EnsureContainer(ctx)
		return err
	}); err != nil {
		return r.fail(err)
	}
	r.setState(StateStagingReady)

	poolSpec := r.poolSpec()
	if err = runStage(ctx, StagePool, poolSpec.ID, func(ctx context.Context) error {
		_, err := r.pools.EnsurePool(ctx, poolSpec)
		return err
	}); err != nil {
		return r.fail(err)
	}
	r.setState(StatePoolReady)
	defer r.tearDown(ctx)

	jobSpec := r.jobSpec()
	if err = runStage(ctx, StageJob, jobSpec.ID, func(ctx context.Context) error {
		_, err := r.jobs.EnsureJob(ctx, jobSpec)
		return err
	}); err != nil {
		return r.fail(err)
	}
	r.setState(StateJobReady)

	var graph *model.Graph
	if err = runStage(ctx, StageGraph, jobSpec.ID, func(context.Context) error {
		g, err := model.BuildGraph(model.GraphOptions{
			Items:         r.settings.Items,
			SharedWrite:   sharedWrite,
			Image:         r.settings.Registry.ImageName(),
			WorkerCommand: r.settings.Worker.Command,
			PostsURL:      r.settings.Worker.PostsURL,
			References:    r.stager,
		})
		graph = g
		return err
	}); err != nil {
		return r.fail(err)
	}

	if err = runStage(ctx, StageSubmission, jobSpec.ID, func(ctx context.Context) error {
		return r.jobs.SubmitTasks(ctx, jobSpec.ID, graph.Tasks())
	}); err != nil {
		return r.fail(err)
	}
	r.setState(StateGraphSubmitted)

	r.setState(StateMonitoring)
	monitorStart := time.Now()
	err = runStage(ctx, StageMonitoring, jobSpec.ID, func(ctx context.Context) error {
		return r.monitor.AwaitAll(ctx, jobSpec.ID, graph.TaskIDs(), r.settings.Wait.Timeout)
	})
	grip.Info(message.Fields{
		"message": "monitoring finished",
		"job":     jobSpec.ID,
		"tasks":   len(graph.TaskIDs()),
		"elapsed": time.Since(monitorStart).String(),
	})
	switch {
	case err == nil:
		r.setState(StateSucceeded)
	case errors.Is(err, monitor.ErrTimeout):
		r.setState(StateTimedOut)
	default:
		r.setState(StateFailed)
	}

	return err
}

// tearDown deletes the job and then the pool, each only if configured. It
// runs at most once. Failures are logged and never returned: the result
// of the run is already decided.
func (r *Runner) tearDown(ctx context.Context) {
	r.teardown.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.teardownTimeout)
		defer cancel()
		ctx, span := tracer.Start(ctx, "teardown")
		defer span.End()

		catcher := grip.NewBasicCatcher()
		if r.settings.DeleteJob {
			catcher.Add(r.jobs.DeleteJob(ctx, r.settings.Batch.JobID))
		} else {
			grip.Info(message.Fields{
				"message": "leaving job in place",
				"job":     r.settings.Batch.JobID,
			})
		}
		if r.settings.DeletePool {
			catcher.Add(r.pools.DeletePool(ctx, r.settings.Batch.PoolID))
		} else {
			grip.Info(message.Fields{
				"message": "leaving pool in place",
				"pool":    r.settings.Batch.PoolID,
			})
		}

		if catcher.HasErrors() {
			span.SetStatus(codes.Error, "teardown incomplete")
		}
		grip.Error(message.WrapError(catcher.Resolve(), message.Fields{
			"message": "could not tear down run resources",
			"job":     r.settings.Batch.JobID,
			"pool":    r.settings.Batch.PoolID,
		}))
		r.setState(StateTornDown)
	})
}

// fail records the failure before any deferred teardown runs.
func (r *Runner) fail(err error) error {
	r.setState(StateFailed)
	return err
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
