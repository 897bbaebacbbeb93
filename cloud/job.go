package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/evergreen-ci/postbatch/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// SubmissionError is returned when the service rejects one or more tasks
// of a submission.
type SubmissionError struct {
	JobID    string
	Rejected []TaskAddResult
}

func (e *SubmissionError) Error() string {
	reasons := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		reasons = append(reasons, fmt.Sprintf("%s (%s)", r.TaskID, r.reason()))
	}
	return fmt.Sprintf("job '%s' rejected %d task(s): %s", e.JobID, len(e.Rejected), strings.Join(reasons, ", "))
}

// TaskIDs returns the ids of the rejected tasks.
func (e *SubmissionError) TaskIDs() []string {
	ids := make([]string, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		ids = append(ids, r.TaskID)
	}
	return ids
}

// JobManager provisions the job, submits its tasks and removes it.
type JobManager struct {
	client BatchClient
}

// NewJobManager returns a JobManager issuing requests through client.
func NewJobManager(client BatchClient) *JobManager {
	return &JobManager{client: client}
}

// EnsureJob creates the job described by spec. A job that already exists is
// not an error.
func (m *JobManager) EnsureJob(ctx context.Context, spec model.JobSpec) (model.CreateOutcome, error) {
	if err := spec.Validate(); err != nil {
		return model.Unknown, errors.Wrap(err, "invalid job spec")
	}

	err := m.client.CreateJob(ctx, exportJob(spec))
	if IsBatchErrorCode(err, batchErrorJobExists) {
		grip.Info(message.Fields{
			"message": "job already exists, reusing it",
			"job":     spec.ID,
			"pool":    spec.PoolID,
		})
		return model.AlreadyExists, nil
	}
	if err != nil {
		return model.Unknown, errors.Wrapf(err, "creating job '%s'", spec.ID)
	}

	grip.Info(message.Fields{
		"message":  "created job",
		"job":      spec.ID,
		"pool":     spec.PoolID,
		"priority": spec.Priority,
	})
	return model.Created, nil
}

// SubmitTasks adds every task to the job and then sets the job to
// terminate once all of its tasks complete. The tasks are sent in order in
// collections of at most 100, so a task's dependencies are always
// submitted no later than the task itself. It returns only after every
// collection call has returned.
func (m *JobManager) SubmitTasks(ctx context.Context, jobID string, tasks []model.TaskNode) error {
	if len(tasks) == 0 {
		return errors.New("no tasks to submit")
	}
	if err := model.ValidateTasks(tasks); err != nil {
		return errors.Wrapf(err, "submitting tasks to job '%s'", jobID)
	}

	exported := make([]BatchTask, 0, len(tasks))
	for _, t := range tasks {
		exported = append(exported, exportTask(t))
	}

	rejected := []TaskAddResult{}
	for start := 0; start < len(exported); start += batchMaxTasksPerAddCall {
		end := min(start+batchMaxTasksPerAddCall, len(exported))

		results, err := m.client.AddTasks(ctx, jobID, exported[start:end])
		if err != nil {
			return errors.Wrapf(err, "submitting tasks %d-%d of %d to job '%s'", start+1, end, len(exported), jobID)
		}
		for _, r := range results {
			if !r.succeeded() {
				rejected = append(rejected, r)
			}
		}
	}
	if len(rejected) > 0 {
		return &SubmissionError{JobID: jobID, Rejected: rejected}
	}

	grip.Info(message.Fields{
		"message": "submitted tasks",
		"job":     jobID,
		"tasks":   len(exported),
	})

	if err := m.client.PatchJob(ctx, jobID, BatchJobPatch{OnAllTasksComplete: batchOnAllTasksTerminate}); err != nil {
		return errors.Wrapf(err, "setting completion policy of job '%s'", jobID)
	}
	return nil
}

// DeleteJob requests deletion of the job. A job that is already gone is
// not an error.
func (m *JobManager) DeleteJob(ctx context.Context, jobID string) error {
	err := m.client.DeleteJob(ctx, jobID)
	if IsBatchErrorCode(err, batchErrorJobNotFound) {
		return nil
	}
	return errors.Wrapf(err, "deleting job '%s'", jobID)
}
