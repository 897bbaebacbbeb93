package cloud

import (
	"fmt"

	"github.com/evergreen-ci/postbatch/model"
)

// BatchAPIVersion is the data plane API version every request is issued
// against.
const BatchAPIVersion = "2024-07-01.20.0"

const (
	batchContentType          = "application/json; odata=minimalmetadata"
	batchContainerTypeDocker  = "dockerCompatible"
	batchOnAllTasksTerminate  = "terminatejob"
	batchMaxTasksPerAddCall   = 100
	batchErrorPoolExists      = "PoolExists"
	batchErrorJobExists       = "JobExists"
	batchErrorPoolNotFound    = "PoolNotFound"
	batchErrorJobNotFound     = "JobNotFound"
	batchTaskAddStatusSuccess = "success"
)

// TaskState is the life cycle state of a task as reported by the service.
type TaskState string

const (
	TaskStateActive    TaskState = "active"
	TaskStatePreparing TaskState = "preparing"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
)

// TaskResult is the outcome of a completed task.
type TaskResult string

const (
	TaskResultSuccess TaskResult = "success"
	TaskResultFailure TaskResult = "failure"
)

type batchImageReference struct {
	Publisher string `json:"publisher"`
	Offer     string `json:"offer"`
	SKU       string `json:"sku"`
	Version   string `json:"version"`
}

type batchContainerRegistry struct {
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	RegistryServer string `json:"registryServer,omitempty"`
}

type batchContainerConfiguration struct {
	Type                string                   `json:"type"`
	ContainerImageNames []string                 `json:"containerImageNames,omitempty"`
	ContainerRegistries []batchContainerRegistry `json:"containerRegistries,omitempty"`
}

type batchVirtualMachineConfiguration struct {
	ImageReference         batchImageReference          `json:"imageReference"`
	NodeAgentSKUID         string                       `json:"nodeAgentSKUId"`
	ContainerConfiguration *batchContainerConfiguration `json:"containerConfiguration,omitempty"`
}

// BatchPool is the request body of a pool creation.
type BatchPool struct {
	ID                          string                           `json:"id"`
	VMSize                      string                           `json:"vmSize"`
	VirtualMachineConfiguration batchVirtualMachineConfiguration `json:"virtualMachineConfiguration"`
	TargetDedicatedNodes        int                              `json:"targetDedicatedNodes"`
	TargetLowPriorityNodes      int                              `json:"targetLowPriorityNodes"`
	TaskSlotsPerNode            int                              `json:"taskSlotsPerNode,omitempty"`
}

type batchPoolInfo struct {
	PoolID string `json:"poolId"`
}

// BatchJob is the request body of a job creation.
type BatchJob struct {
	ID                   string        `json:"id"`
	PoolInfo             batchPoolInfo `json:"poolInfo"`
	Priority             int           `json:"priority"`
	UsesTaskDependencies bool          `json:"usesTaskDependencies"`
}

// BatchJobPatch is the request body of a job update. Only the completion
// policy is ever updated.
type BatchJobPatch struct {
	OnAllTasksComplete string `json:"onAllTasksComplete"`
}

type batchContainerSettings struct {
	ImageName           string `json:"imageName"`
	ContainerRunOptions string `json:"containerRunOptions,omitempty"`
}

type batchResourceFile struct {
	HTTPURL  string `json:"httpUrl"`
	FilePath string `json:"filePath"`
}

type batchOutputContainer struct {
	ContainerURL string `json:"containerUrl"`
	Path         string `json:"path,omitempty"`
}

type batchOutputDestination struct {
	Container batchOutputContainer `json:"container"`
}

type batchUploadOptions struct {
	UploadCondition string `json:"uploadCondition"`
}

type batchOutputFile struct {
	FilePattern   string                 `json:"filePattern"`
	Destination   batchOutputDestination `json:"destination"`
	UploadOptions batchUploadOptions     `json:"uploadOptions"`
}

type batchTaskDependencies struct {
	TaskIDs []string `json:"taskIds"`
}

// BatchTask is a task as submitted in a task collection.
type BatchTask struct {
	ID                string                  `json:"id"`
	CommandLine       string                  `json:"commandLine"`
	ContainerSettings *batchContainerSettings `json:"containerSettings,omitempty"`
	ResourceFiles     []batchResourceFile     `json:"resourceFiles,omitempty"`
	OutputFiles       []batchOutputFile       `json:"outputFiles,omitempty"`
	DependsOn         *batchTaskDependencies  `json:"dependsOn,omitempty"`
}

type batchTaskCollection struct {
	Value []BatchTask `json:"value"`
}

type batchErrorMessage struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type batchErrorBody struct {
	Code    string            `json:"code"`
	Message batchErrorMessage `json:"message"`
}

// TaskAddResult is the per-task status of a task collection submission.
type TaskAddResult struct {
	Status string          `json:"status"`
	TaskID string          `json:"taskId"`
	Error  *batchErrorBody `json:"error,omitempty"`
}

func (r TaskAddResult) succeeded() bool { return r.Status == batchTaskAddStatusSuccess }

func (r TaskAddResult) reason() string {
	if r.Error == nil {
		return r.Status
	}
	return fmt.Sprintf("%s: %s", r.Error.Code, r.Error.Message.Value)
}

type batchTaskAddCollectionResult struct {
	Value []TaskAddResult `json:"value"`
}

// TaskFailureInfo describes why a task failed.
type TaskFailureInfo struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// TaskExecutionInfo is the execution record of a task.
type TaskExecutionInfo struct {
	Result      TaskResult       `json:"result,omitempty"`
	ExitCode    *int             `json:"exitCode,omitempty"`
	FailureInfo *TaskFailureInfo `json:"failureInfo,omitempty"`
}

// TaskStatus is the observed state of a submitted task.
type TaskStatus struct {
	ID            string             `json:"id"`
	State         TaskState          `json:"state"`
	ExecutionInfo *TaskExecutionInfo `json:"executionInfo,omitempty"`
}

// Completed returns whether the task has reached a terminal state.
func (s *TaskStatus) Completed() bool { return s.State == TaskStateCompleted }

// Failed returns whether the task completed without succeeding.
func (s *TaskStatus) Failed() bool {
	return s.Completed() && s.ExecutionInfo != nil && s.ExecutionInfo.Result == TaskResultFailure
}

// FailureReason summarizes the failure of a failed task.
func (s *TaskStatus) FailureReason() string {
	if s.ExecutionInfo == nil {
		return "no execution info"
	}
	if s.ExecutionInfo.FailureInfo != nil {
		info := s.ExecutionInfo.FailureInfo
		return fmt.Sprintf("%s (%s): %s", info.Code, info.Category, info.Message)
	}
	if s.ExecutionInfo.ExitCode != nil {
		return fmt.Sprintf("exited with code %d", *s.ExecutionInfo.ExitCode)
	}
	return string(s.ExecutionInfo.Result)
}

type batchTaskList struct {
	Value    []TaskStatus `json:"value"`
	NextLink string       `json:"odata.nextLink,omitempty"`
}

func exportPool(spec model.PoolSpec) BatchPool {
	containers := &batchContainerConfiguration{
		Type:                batchContainerTypeDocker,
		ContainerImageNames: spec.ContainerImages,
	}
	if spec.Registry.Server != "" {
		containers.ContainerRegistries = []batchContainerRegistry{{
			Username:       spec.Registry.User,
			Password:       spec.Registry.Password,
			RegistryServer: spec.Registry.Server,
		}}
	}

	return BatchPool{
		ID:     spec.ID,
		VMSize: spec.VMSize,
		VirtualMachineConfiguration: batchVirtualMachineConfiguration{
			ImageReference: batchImageReference{
				Publisher: spec.Image.Publisher,
				Offer:     spec.Image.Offer,
				SKU:       spec.Image.SKU,
				Version:   spec.Image.Version,
			},
			NodeAgentSKUID:         spec.NodeAgentSKUID,
			ContainerConfiguration: containers,
		},
		TargetDedicatedNodes:   spec.DedicatedNodes,
		TargetLowPriorityNodes: spec.LowPriorityNodes,
		TaskSlotsPerNode:       spec.TaskSlotsPerNode,
	}
}

func exportJob(spec model.JobSpec) BatchJob {
	return BatchJob{
		ID:                   spec.ID,
		PoolInfo:             batchPoolInfo{PoolID: spec.PoolID},
		Priority:             spec.Priority,
		UsesTaskDependencies: spec.UsesTaskDependencies,
	}
}

func exportTask(t model.TaskNode) BatchTask {
	out := BatchTask{
		ID:          t.ID,
		CommandLine: t.CommandLine,
	}
	if t.ContainerImage != "" {
		out.ContainerSettings = &batchContainerSettings{
			ImageName:           t.ContainerImage,
			ContainerRunOptions: t.ContainerRunOptions,
		}
	}
	for _, in := range t.Inputs {
		out.ResourceFiles = append(out.ResourceFiles, batchResourceFile{HTTPURL: in.URL, FilePath: in.FilePath})
	}
	for _, o := range t.Outputs {
		condition := o.Condition
		if condition == "" {
			condition = model.UploadOnSuccess
		}
		out.OutputFiles = append(out.OutputFiles, batchOutputFile{
			FilePattern: o.FilePattern,
			Destination: batchOutputDestination{Container: batchOutputContainer{
				ContainerURL: o.ContainerURL,
				Path:         o.BlobName,
			}},
			UploadOptions: batchUploadOptions{UploadCondition: string(condition)},
		})
	}
	if len(t.DependsOn) > 0 {
		out.DependsOn = &batchTaskDependencies{TaskIDs: t.DependsOn}
	}
	return out
}
