package model

import (
	"github.com/mongodb/grip"
)

// ImageReference identifies the marketplace image a pool's nodes boot from.
type ImageReference struct {
	Publisher string
	Offer     string
	SKU       string
	Version   string
}

// RegistryBinding holds the credentials the nodes use to pull task images.
type RegistryBinding struct {
	Server   string
	User     string
	Password string
}

// PoolSpec is the desired shape of the worker pool.
type PoolSpec struct {
	ID               string
	VMSize           string
	NodeAgentSKUID   string
	Image            ImageReference
	Registry         RegistryBinding
	ContainerImages  []string
	DedicatedNodes   int
	LowPriorityNodes int
	TaskSlotsPerNode int
}

func (s *PoolSpec) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(s.ID == "", "pool ID must be specified")
	catcher.NewWhen(s.VMSize == "", "VM size must be specified")
	catcher.NewWhen(s.NodeAgentSKUID == "", "node agent SKU ID must be specified")
	catcher.NewWhen(s.DedicatedNodes < 0 || s.LowPriorityNodes < 0, "node counts cannot be negative")
	catcher.NewWhen(s.DedicatedNodes+s.LowPriorityNodes == 0, "pool must request at least one node")
	catcher.NewWhen(s.TaskSlotsPerNode < 1, "pool must have at least one task slot per node")
	return catcher.Resolve()
}

// JobSpec is the desired shape of the job hosting the task graph.
type JobSpec struct {
	ID                   string
	PoolID               string
	UsesTaskDependencies bool
	Priority             int
}

func (s *JobSpec) Validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(s.ID == "", "job ID must be specified")
	catcher.NewWhen(s.PoolID == "", "job must reference a pool")
	return catcher.Resolve()
}
