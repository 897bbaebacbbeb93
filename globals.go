package postbatch

import (
	"strconv"
	"time"
)

const (
	// ClientVersion is the version of the postbatch binary.
	ClientVersion = "2026-10-14"

	DefaultSettingsFileName = "postbatch.yml"

	// EnvPrefix is prepended to every environment variable that can
	// override a settings value.
	EnvPrefix = "POSTBATCH_"
)

const (
	// LeafTaskIDPrefix is prepended to the item id to form the id of the
	// task that processes that item.
	LeafTaskIDPrefix = "task-"
	// JoinTaskID is the id of the single task that aggregates the
	// outputs of every leaf task.
	JoinTaskID = "task-join"

	// ItemFilePrefix and ItemFileSuffix frame the item id in the name of
	// the file a leaf task produces (e.g. Post_7.json).
	ItemFilePrefix = "Post_"
	ItemFileSuffix = ".json"
	// ItemFileGlob matches every per-item output file.
	ItemFileGlob = ItemFilePrefix + "*" + ItemFileSuffix

	// MergedFileName is the name of the join task's output.
	MergedFileName = "merged.json"

	// TaskWorkingDirVariable is expanded by the node agent to the task's
	// working directory.
	TaskWorkingDirVariable = "$AZ_BATCH_TASK_WORKING_DIR"

	// WorkerModeProcessItem and WorkerModeAggregate are the worker
	// subcommands invoked by leaf and join tasks respectively.
	WorkerModeProcessItem = "process-item"
	WorkerModeAggregate   = "aggregate"

	TaskContainerRunOptions = "--rm"
)

const (
	// DefaultCompletionTimeout bounds how long a run waits for the task
	// graph to finish before it is declared timed out.
	DefaultCompletionTimeout = 30 * time.Minute

	// DefaultCredentialSkew is added to the completion timeout to get the
	// lifetime of every credential handed to a task.
	DefaultCredentialSkew = 30 * time.Minute

	// DefaultTeardownTimeout bounds the time spent deleting the job and
	// pool once a run is over.
	DefaultTeardownTimeout = 5 * time.Minute

	DefaultPostsURL      = "https://jsonplaceholder.typicode.com/posts"
	DefaultWorkerCommand = "/app/postbatch worker"

	DefaultNodeAgentSKUID = "batch.node.ubuntu 20.04"
	DefaultImagePublisher = "microsoft-azure-batch"
	DefaultImageOffer     = "ubuntu-server-container"
	DefaultImageSKU       = "20-04-lts"
	DefaultImageVersion   = "latest"

	DefaultBlobEndpointSuffix = "blob.core.windows.net"
)

// ItemFileName returns the name of the file produced for the given item.
func ItemFileName(itemID int) string {
	return ItemFilePrefix + strconv.Itoa(itemID) + ItemFileSuffix
}

// LeafTaskID returns the id of the task that processes the given item.
func LeafTaskID(itemID int) string {
	return LeafTaskIDPrefix + strconv.Itoa(itemID)
}
