package cloud

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// BatchClientMock is an in-memory BatchClient for testing.
type BatchClientMock struct {
	mu sync.Mutex

	Pools       map[string]BatchPool
	Jobs        map[string]BatchJob
	JobPatches  map[string]BatchJobPatch
	Tasks       map[string][]BatchTask
	AddCalls    int
	ListCalls   int
	Deleted     []string
	Closed      bool

	CreatePoolError error
	CreateJobError  error
	PatchJobError   error
	AddTasksError   error
	ListTasksError  error
	DeletePoolError error
	DeleteJobError  error

	// RejectTasks maps task ids to the error code the service reports for
	// them on submission.
	RejectTasks map[string]string

	// TaskStatus reports the status of a task on the given list call,
	// counted from one. By default every task reports success.
	TaskStatus func(taskID string, call int) TaskStatus
}

// NewBatchClientMock returns an empty mock whose tasks succeed
// immediately.
func NewBatchClientMock() *BatchClientMock {
	return &BatchClientMock{
		Pools:       map[string]BatchPool{},
		Jobs:        map[string]BatchJob{},
		JobPatches:  map[string]BatchJobPatch{},
		Tasks:       map[string][]BatchTask{},
		RejectTasks: map[string]string{},
	}
}

// SucceededTask returns the status of a task that completed successfully.
func SucceededTask(id string) TaskStatus {
	return TaskStatus{ID: id, State: TaskStateCompleted, ExecutionInfo: &TaskExecutionInfo{Result: TaskResultSuccess}}
}

// FailedTask returns the status of a task that completed with failure.
func FailedTask(id string, exitCode int) TaskStatus {
	return TaskStatus{ID: id, State: TaskStateCompleted, ExecutionInfo: &TaskExecutionInfo{Result: TaskResultFailure, ExitCode: &exitCode}}
}

// RunningTask returns the status of a task that is still executing.
func RunningTask(id string) TaskStatus {
	return TaskStatus{ID: id, State: TaskStateRunning}
}

func conflict(operation, code string) error {
	return &BatchError{StatusCode: http.StatusConflict, Code: code, Message: "the specified resource already exists", Operation: operation}
}

func notFound(operation, code string) error {
	return &BatchError{StatusCode: http.StatusNotFound, Code: code, Message: "the specified resource does not exist", Operation: operation}
}

func (m *BatchClientMock) CreatePool(_ context.Context, pool BatchPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreatePoolError != nil {
		return m.CreatePoolError
	}
	if _, ok := m.Pools[pool.ID]; ok {
		return conflict(fmt.Sprintf("creating pool '%s'", pool.ID), batchErrorPoolExists)
	}
	m.Pools[pool.ID] = pool
	return nil
}

func (m *BatchClientMock) DeletePool(_ context.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deleted = append(m.Deleted, "pool:"+poolID)
	if m.DeletePoolError != nil {
		return m.DeletePoolError
	}
	if _, ok := m.Pools[poolID]; !ok {
		return notFound(fmt.Sprintf("deleting pool '%s'", poolID), batchErrorPoolNotFound)
	}
	delete(m.Pools, poolID)
	return nil
}

func (m *BatchClientMock) CreateJob(_ context.Context, job BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateJobError != nil {
		return m.CreateJobError
	}
	if _, ok := m.Jobs[job.ID]; ok {
		return conflict(fmt.Sprintf("creating job '%s'", job.ID), batchErrorJobExists)
	}
	m.Jobs[job.ID] = job
	return nil
}

func (m *BatchClientMock) PatchJob(_ context.Context, jobID string, patch BatchJobPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PatchJobError != nil {
		return m.PatchJobError
	}
	if _, ok := m.Jobs[jobID]; !ok {
		return notFound(fmt.Sprintf("updating job '%s'", jobID), batchErrorJobNotFound)
	}
	m.JobPatches[jobID] = patch
	return nil
}

func (m *BatchClientMock) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Deleted = append(m.Deleted, "job:"+jobID)
	if m.DeleteJobError != nil {
		return m.DeleteJobError
	}
	if _, ok := m.Jobs[jobID]; !ok {
		return notFound(fmt.Sprintf("deleting job '%s'", jobID), batchErrorJobNotFound)
	}
	delete(m.Jobs, jobID)
	delete(m.Tasks, jobID)
	return nil
}

func (m *BatchClientMock) AddTasks(_ context.Context, jobID string, tasks []BatchTask) ([]TaskAddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AddCalls++
	if m.AddTasksError != nil {
		return nil, m.AddTasksError
	}
	if _, ok := m.Jobs[jobID]; !ok {
		return nil, notFound(fmt.Sprintf("adding tasks to job '%s'", jobID), batchErrorJobNotFound)
	}
	if len(tasks) > batchMaxTasksPerAddCall {
		return nil, &BatchError{StatusCode: http.StatusRequestEntityTooLarge, Code: "RequestBodyTooLarge", Operation: "adding tasks"}
	}

	existing := map[string]bool{}
	for _, t := range m.Tasks[jobID] {
		existing[t.ID] = true
	}

	results := make([]TaskAddResult, 0, len(tasks))
	for _, t := range tasks {
		code, rejected := m.RejectTasks[t.ID]
		if !rejected && existing[t.ID] {
			code, rejected = "TaskExists", true
		}
		if rejected {
			results = append(results, TaskAddResult{
				Status: "clienterror",
				TaskID: t.ID,
				Error:  &batchErrorBody{Code: code, Message: batchErrorMessage{Value: "task was rejected"}},
			})
			continue
		}
		existing[t.ID] = true
		m.Tasks[jobID] = append(m.Tasks[jobID], t)
		results = append(results, TaskAddResult{Status: batchTaskAddStatusSuccess, TaskID: t.ID})
	}
	return results, nil
}

func (m *BatchClientMock) ListTasks(_ context.Context, jobID string) ([]TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListCalls++
	if m.ListTasksError != nil {
		return nil, m.ListTasksError
	}
	if _, ok := m.Jobs[jobID]; !ok {
		return nil, notFound(fmt.Sprintf("listing tasks of job '%s'", jobID), batchErrorJobNotFound)
	}

	statuses := make([]TaskStatus, 0, len(m.Tasks[jobID]))
	for _, t := range m.Tasks[jobID] {
		if m.TaskStatus != nil {
			statuses = append(statuses, m.TaskStatus(t.ID, m.ListCalls))
			continue
		}
		statuses = append(statuses, SucceededTask(t.ID))
	}
	return statuses, nil
}

func (m *BatchClientMock) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
}

// SubmittedTasks returns a copy of the tasks submitted to the job.
func (m *BatchClientMock) SubmittedTasks(jobID string) []BatchTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchTask{}, m.Tasks[jobID]...)
}
