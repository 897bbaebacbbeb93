package model

import (
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// UploadCondition controls when an output file is staged.
type UploadCondition string

// UploadOnSuccess stages an output only when its task succeeds.
const UploadOnSuccess UploadCondition = "tasksuccess"

// OutputBinding declares where a file produced by a task is staged.
type OutputBinding struct {
	// FilePattern matches the file(s) in the task's working directory.
	FilePattern string
	// ContainerURL is the credentialed URL of the destination container.
	ContainerURL string
	BlobName     string
	Condition    UploadCondition
}

// ResourceReference is a read-only pointer a task uses to fetch a file
// produced by an earlier task.
type ResourceReference struct {
	// URL is the credentialed source URL.
	URL string
	// FilePath is where the file is materialized in the task's working
	// directory.
	FilePath string
}

// TaskNode is one unit of remote execution.
type TaskNode struct {
	ID                  string
	CommandLine         string
	ContainerImage      string
	ContainerRunOptions string
	Inputs              []ResourceReference
	Outputs             []OutputBinding
	// DependsOn lists the ids of the tasks that must succeed before this
	// task may start.
	DependsOn []string
}

func (t *TaskNode) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(t.ID == "", "task ID must be specified")
	catcher.ErrorfWhen(len(t.ID) > 64, "task ID '%s' must be at most 64 characters", t.ID)
	catcher.ErrorfWhen(t.CommandLine == "", "task '%s' must have a command line", t.ID)
	for _, out := range t.Outputs {
		catcher.ErrorfWhen(out.FilePattern == "", "task '%s' has an output without a file pattern", t.ID)
		catcher.ErrorfWhen(out.ContainerURL == "", "task '%s' has an output without a destination container", t.ID)
	}
	for _, in := range t.Inputs {
		catcher.ErrorfWhen(in.URL == "" || in.FilePath == "", "task '%s' has an incomplete input reference", t.ID)
	}
	return catcher.Resolve()
}

// ValidateTasks checks that the task ids are unique and that every
// dependency names a task that appears earlier in the slice, which also
// rules out cycles.
func ValidateTasks(tasks []TaskNode) error {
	catcher := grip.NewBasicCatcher()
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		catcher.Add(t.Validate())
		catcher.ErrorfWhen(seen[t.ID], "duplicate task ID '%s'", t.ID)
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				catcher.Errorf("task '%s' depends on '%s', which does not precede it", t.ID, dep)
			}
		}
		seen[t.ID] = true
	}
	return errors.Wrap(catcher.Resolve(), "invalid task graph")
}
