package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/evergreen-ci/postbatch/cloud"
	"github.com/jpillora/backoff"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	defaultMinPollInterval = 2 * time.Second
	defaultMaxPollInterval = 30 * time.Second
)

// ErrTimeout is returned when the deadline elapses before every task has
// completed.
var ErrTimeout = errors.New("timed out waiting for tasks to complete")

// TaskFailureError is returned when a task completes unsuccessfully.
type TaskFailureError struct {
	TaskID string
	Reason string
}

func (e *TaskFailureError) Error() string {
	return fmt.Sprintf("task '%s' failed: %s", e.TaskID, e.Reason)
}

// TaskLister reports the status of the tasks in a job.
type TaskLister interface {
	ListTasks(ctx context.Context, jobID string) ([]cloud.TaskStatus, error)
}

// TaskMonitor waits for submitted tasks to finish.
type TaskMonitor struct {
	lister      TaskLister
	minInterval time.Duration
	maxInterval time.Duration
}

// MonitorOptions bound the polling interval. Zero values use the
// defaults of 2 and 30 seconds.
type MonitorOptions struct {
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
}

func NewTaskMonitor(lister TaskLister, opts MonitorOptions) *TaskMonitor {
	m := &TaskMonitor{
		lister:      lister,
		minInterval: opts.MinPollInterval,
		maxInterval: opts.MaxPollInterval,
	}
	if m.minInterval <= 0 {
		m.minInterval = defaultMinPollInterval
	}
	if m.maxInterval < m.minInterval {
		m.maxInterval = max(defaultMaxPollInterval, m.minInterval)
	}
	return m
}

func (m *TaskMonitor) getBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    m.minInterval,
		Max:    m.maxInterval,
		Factor: 2,
		Jitter: true,
	}
}

type progress struct {
	completed int
	pending   []string
	failure   *TaskFailureError
}

func evaluate(statuses []cloud.TaskStatus, taskIDs []string) progress {
	byID := make(map[string]cloud.TaskStatus, len(statuses))
	for _, s := range statuses {
		byID[s.ID] = s
	}

	p := progress{}
	for _, id := range taskIDs {
		status, ok := byID[id]
		if !ok || !status.Completed() {
			p.pending = append(p.pending, id)
			continue
		}
		if status.Failed() {
			p.failure = &TaskFailureError{TaskID: id, Reason: status.FailureReason()}
			return p
		}
		p.completed++
	}
	return p
}

// AwaitAll blocks until every listed task has completed successfully, one
// of them has failed, or the timeout elapses. It returns nil, a
// *TaskFailureError or ErrTimeout respectively. Errors listing the tasks
// are retried until the timeout.
func (m *TaskMonitor) AwaitAll(ctx context.Context, jobID string, taskIDs []string, timeout time.Duration) error {
	if len(taskIDs) == 0 {
		return errors.New("no tasks to wait for")
	}
	if timeout <= 0 {
		return errors.Errorf("invalid timeout %s", timeout)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startAt := time.Now()
	lastCompleted := -1
	timer := time.NewTimer(0)
	defer timer.Stop()
	backoff := m.getBackoff()

	for attempt := 1; ; attempt++ {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "waiting for tasks of job '%s'", jobID)
			}
			return errors.Wrapf(ErrTimeout, "%d of %d tasks of job '%s' incomplete after %s", len(taskIDs)-max(lastCompleted, 0), len(taskIDs), jobID, timeout)
		case <-timer.C:
			statuses, err := m.lister.ListTasks(waitCtx, jobID)
			if err != nil {
				grip.Warning(message.WrapError(err, message.Fields{
					"message":   "could not list tasks",
					"job":       jobID,
					"attempt":   attempt,
					"wait_secs": backoff.ForAttempt(float64(attempt)).Seconds(),
				}))
				timer.Reset(backoff.Duration())
				continue
			}

			p := evaluate(statuses, taskIDs)
			if p.failure != nil {
				grip.Error(message.Fields{
					"message": "task failed",
					"job":     jobID,
					"task":    p.failure.TaskID,
					"reason":  p.failure.Reason,
				})
				return p.failure
			}
			if len(p.pending) == 0 {
				grip.Info(message.Fields{
					"message":  "all tasks completed",
					"job":      jobID,
					"tasks":    len(taskIDs),
					"duration": time.Since(startAt).String(),
				})
				return nil
			}

			grip.InfoWhen(p.completed != lastCompleted, message.Fields{
				"message":   "waiting for tasks",
				"job":       jobID,
				"completed": p.completed,
				"pending":   len(p.pending),
				"attempt":   attempt,
			})
			lastCompleted = p.completed
			timer.Reset(backoff.Duration())
		}
	}
}
