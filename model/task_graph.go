package model

import (
	"fmt"
	"time"

	"github.com/evergreen-ci/postbatch"
	"github.com/pkg/errors"
)

// ErrNoItems is returned when a graph is requested for an empty item set.
// A join task with nothing to merge is never submitted.
var ErrNoItems = errors.New("at least one item is required to build a task graph")

// ReferenceDeriver issues read-only references to staged blobs.
type ReferenceDeriver interface {
	DeriveResourceReference(blobName string) (ResourceReference, error)
}

// GraphOptions are the inputs to BuildGraph.
type GraphOptions struct {
	Items []int
	// SharedWrite is the container-scoped read+write credential every task
	// uploads its output under.
	SharedWrite ScopedCredential
	// Image is the container image every task runs in.
	Image string
	// WorkerCommand is the worker invocation prefix on the node.
	WorkerCommand string
	// PostsURL, when set to something other than the worker's default, is
	// passed to every leaf task.
	PostsURL   string
	References ReferenceDeriver
}

func (o *GraphOptions) validate() error {
	if len(o.Items) == 0 {
		return ErrNoItems
	}
	if o.SharedWrite.Scope != ScopeContainer || o.SharedWrite.Permissions != PermissionReadWrite {
		return errors.Errorf("shared credential must be a %s-scoped %s credential", ScopeContainer, PermissionReadWrite)
	}
	if o.SharedWrite.URL == "" {
		return errors.New("shared credential has no URL")
	}
	if !o.SharedWrite.ValidAt(time.Now()) {
		return errors.Errorf("shared credential expired at %s", o.SharedWrite.ExpiresAt.Format(time.RFC3339))
	}
	if o.Image == "" {
		return errors.New("container image must be specified")
	}
	if o.WorkerCommand == "" {
		return errors.New("worker command must be specified")
	}
	if o.References == nil {
		return errors.New("reference deriver must be specified")
	}
	return nil
}

// Graph is a two-level fan-out/fan-in task graph.
type Graph struct {
	Leaves []TaskNode
	Join   TaskNode
}

// Tasks returns every task in submission order: the leaves followed by the
// join task.
func (g *Graph) Tasks() []TaskNode {
	tasks := make([]TaskNode, 0, len(g.Leaves)+1)
	tasks = append(tasks, g.Leaves...)
	return append(tasks, g.Join)
}

// TaskIDs returns the ids of Tasks in the same order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Leaves)+1)
	for _, t := range g.Leaves {
		ids = append(ids, t.ID)
	}
	return append(ids, g.Join.ID)
}

// BuildGraph constructs one leaf task per item and a single join task
// that depends on every leaf and fetches each leaf's output.
func BuildGraph(opts GraphOptions) (*Graph, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid graph options")
	}

	g := &Graph{Leaves: make([]TaskNode, 0, len(opts.Items))}
	seen := make(map[int]bool, len(opts.Items))
	for _, id := range opts.Items {
		if seen[id] {
			return nil, errors.Errorf("item %d is listed more than once", id)
		}
		seen[id] = true
		g.Leaves = append(g.Leaves, buildLeafTask(id, opts))
	}

	join, err := buildJoinTask(g.Leaves, opts)
	if err != nil {
		return nil, errors.Wrap(err, "building join task")
	}
	g.Join = *join

	return g, nil
}

func workerCommandLine(workerCommand string, args ...interface{}) string {
	invocation := workerCommand
	for _, arg := range args {
		invocation += fmt.Sprintf(" %v", arg)
	}
	return fmt.Sprintf("/bin/sh -c '%s %s'", invocation, postbatch.TaskWorkingDirVariable)
}

func outputBinding(fileName string, shared ScopedCredential) OutputBinding {
	return OutputBinding{
		FilePattern:  fileName,
		ContainerURL: shared.URL,
		BlobName:     fileName,
		Condition:    UploadOnSuccess,
	}
}

func buildLeafTask(itemID int, opts GraphOptions) TaskNode {
	args := []interface{}{postbatch.WorkerModeProcessItem}
	if opts.PostsURL != "" && opts.PostsURL != postbatch.DefaultPostsURL {
		args = append(args, "--posts-url", opts.PostsURL)
	}
	args = append(args, itemID)

	return TaskNode{
		ID:                  postbatch.LeafTaskID(itemID),
		CommandLine:         workerCommandLine(opts.WorkerCommand, args...),
		ContainerImage:      opts.Image,
		ContainerRunOptions: postbatch.TaskContainerRunOptions,
		Outputs:             []OutputBinding{outputBinding(postbatch.ItemFileName(itemID), opts.SharedWrite)},
	}
}

func buildJoinTask(leaves []TaskNode, opts GraphOptions) (*TaskNode, error) {
	join := &TaskNode{
		ID:                  postbatch.JoinTaskID,
		CommandLine:         workerCommandLine(opts.WorkerCommand, postbatch.WorkerModeAggregate),
		ContainerImage:      opts.Image,
		ContainerRunOptions: postbatch.TaskContainerRunOptions,
		Outputs:             []OutputBinding{outputBinding(postbatch.MergedFileName, opts.SharedWrite)},
		Inputs:              make([]ResourceReference, 0, len(leaves)),
		DependsOn:           make([]string, 0, len(leaves)),
	}

	for _, leaf := range leaves {
		ref, err := opts.References.DeriveResourceReference(leaf.Outputs[0].BlobName)
		if err != nil {
			return nil, errors.Wrapf(err, "deriving input reference for the output of task '%s'", leaf.ID)
		}
		join.Inputs = append(join.Inputs, ref)
		join.DependsOn = append(join.DependsOn, leaf.ID)
	}

	return join, nil
}
