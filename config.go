package postbatch

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/evergreen-ci/postbatch/util"
	"github.com/google/shlex"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// Settings is the configuration of a single run. It is loaded once at
// startup and handed to the runner, which never modifies it.
type Settings struct {
	// Items are the ids of the posts to process. Each one becomes a leaf
	// task.
	Items []int `yaml:"items"`

	// DeleteJob and DeletePool independently control whether the job and
	// the pool are deleted once the run is over.
	DeleteJob  bool `yaml:"delete_job"`
	DeletePool bool `yaml:"delete_pool"`

	Registry RegistryConfig `yaml:"registry"`
	Batch    BatchConfig    `yaml:"batch"`
	Storage  StorageConfig  `yaml:"storage"`
	Worker   WorkerConfig   `yaml:"worker"`
	Wait     WaitConfig     `yaml:"wait"`
}

// RegistryConfig describes the container registry holding the worker image.
type RegistryConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	// Image is the image name within the registry, optionally with a tag.
	Image string `yaml:"image"`
}

// ImageName returns the fully qualified name of the worker image.
func (c *RegistryConfig) ImageName() string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(c.Server, "/"), c.Image)
}

func (c *RegistryConfig) ValidateAndDefault() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.Server == "", "registry server must be specified")
	catcher.NewWhen(c.Image == "", "registry image must be specified")
	catcher.NewWhen(c.User != "" && c.Password == "", "registry password must be specified when a user is given")
	return catcher.Resolve()
}

// ImageReferenceConfig identifies the marketplace image the pool's nodes
// boot from.
type ImageReferenceConfig struct {
	Publisher string `yaml:"publisher"`
	Offer     string `yaml:"offer"`
	SKU       string `yaml:"sku"`
	Version   string `yaml:"version"`
}

func (c *ImageReferenceConfig) ValidateAndDefault() error {
	if c.Publisher == "" && c.Offer == "" && c.SKU == "" {
		c.Publisher = DefaultImagePublisher
		c.Offer = DefaultImageOffer
		c.SKU = DefaultImageSKU
	}
	if c.Version == "" {
		c.Version = DefaultImageVersion
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.Publisher == "", "image publisher must be specified")
	catcher.NewWhen(c.Offer == "", "image offer must be specified")
	catcher.NewWhen(c.SKU == "", "image SKU must be specified")
	return catcher.Resolve()
}

// BatchConfig holds the execution service account and the shape of the
// pool and job a run provisions.
type BatchConfig struct {
	ServiceURL  string `yaml:"service_url"`
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`

	PoolID           string               `yaml:"pool_id"`
	VMSize           string               `yaml:"vm_size"`
	DedicatedNodes   int                  `yaml:"dedicated_nodes"`
	LowPriorityNodes int                  `yaml:"low_priority_nodes"`
	TaskSlotsPerNode int                  `yaml:"task_slots_per_node"`
	NodeAgentSKUID   string               `yaml:"node_agent_sku_id"`
	Image            ImageReferenceConfig `yaml:"image_reference"`

	JobID       string `yaml:"job_id"`
	JobPriority int    `yaml:"job_priority"`
}

func (c *BatchConfig) ValidateAndDefault() error {
	if c.TaskSlotsPerNode == 0 {
		c.TaskSlotsPerNode = 1
	}
	if c.NodeAgentSKUID == "" {
		c.NodeAgentSKUID = DefaultNodeAgentSKUID
	}

	catcher := grip.NewBasicCatcher()
	catcher.Add(errors.Wrap(c.Image.ValidateAndDefault(), "invalid image reference"))
	if c.ServiceURL == "" {
		catcher.New("batch service URL must be specified")
	} else if u, err := url.Parse(c.ServiceURL); err != nil || u.Scheme == "" || u.Host == "" {
		catcher.Errorf("batch service URL '%s' is not an absolute URL", c.ServiceURL)
	}
	catcher.NewWhen(c.AccountName == "", "batch account name must be specified")
	catcher.NewWhen(c.AccountKey == "", "batch account key must be specified")
	catcher.NewWhen(c.PoolID == "", "pool ID must be specified")
	catcher.NewWhen(c.JobID == "", "job ID must be specified")
	catcher.NewWhen(c.VMSize == "", "VM size must be specified")
	catcher.NewWhen(c.DedicatedNodes < 0, "dedicated node count cannot be negative")
	catcher.NewWhen(c.LowPriorityNodes < 0, "low priority node count cannot be negative")
	catcher.NewWhen(c.DedicatedNodes+c.LowPriorityNodes == 0, "pool must request at least one node")
	catcher.NewWhen(c.TaskSlotsPerNode < 0, "task slots per node cannot be negative")
	catcher.ErrorfWhen(c.JobPriority < -1000 || c.JobPriority > 1000, "job priority %d must be between -1000 and 1000", c.JobPriority)
	return catcher.Resolve()
}

// StorageConfig identifies the storage account and the container every
// task stages its output into.
type StorageConfig struct {
	AccountName    string `yaml:"account_name"`
	AccountKey     string `yaml:"account_key"`
	ContainerName  string `yaml:"container_name"`
	EndpointSuffix string `yaml:"endpoint_suffix"`
}

// ServiceURL returns the blob service endpoint of the storage account.
func (c *StorageConfig) ServiceURL() string {
	return fmt.Sprintf("https://%s.%s/", c.AccountName, c.EndpointSuffix)
}

func (c *StorageConfig) ValidateAndDefault() error {
	if c.EndpointSuffix == "" {
		c.EndpointSuffix = DefaultBlobEndpointSuffix
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.AccountName == "", "storage account name must be specified")
	catcher.NewWhen(c.ContainerName == "", "storage container name must be specified")
	catcher.Add(validateContainerName(c.ContainerName))
	return catcher.Resolve()
}

func validateContainerName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) < 3 || len(name) > 63 {
		return errors.Errorf("container name '%s' must be between 3 and 63 characters", name)
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") || strings.Contains(name, "--") {
		return errors.Errorf("container name '%s' must not begin or end with a hyphen or contain consecutive hyphens", name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return errors.Errorf("container name '%s' must contain only lowercase letters, numbers and hyphens", name)
		}
	}
	return nil
}

// WorkerConfig describes how tasks invoke the worker program on a node.
type WorkerConfig struct {
	// Command is the worker invocation prefix; the mode and its arguments
	// are appended to it.
	Command string `yaml:"command"`
	// PostsURL is the base URL posts are fetched from.
	PostsURL string `yaml:"posts_url"`
}

func (c *WorkerConfig) ValidateAndDefault() error {
	if c.Command == "" {
		c.Command = DefaultWorkerCommand
	}
	if c.PostsURL == "" {
		c.PostsURL = DefaultPostsURL
	}

	catcher := grip.NewBasicCatcher()
	args, err := shlex.Split(c.Command)
	catcher.Wrapf(err, "parsing worker command '%s'", c.Command)
	catcher.NewWhen(err == nil && len(args) == 0, "worker command must not be empty")
	catcher.NewWhen(strings.ContainsRune(c.Command, '\''), "worker command must not contain single quotes")
	if u, err := url.Parse(c.PostsURL); err != nil || u.Scheme == "" || u.Host == "" {
		catcher.Errorf("posts URL '%s' is not an absolute URL", c.PostsURL)
	}
	catcher.NewWhen(strings.ContainsAny(c.PostsURL, "' "), "posts URL must not contain quotes or spaces")
	return catcher.Resolve()
}

// WaitConfig bounds how long a run waits for the task graph.
type WaitConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// CredentialSkew is how much longer than Timeout the credentials
	// handed to tasks stay valid.
	CredentialSkew time.Duration `yaml:"credential_skew"`
}

// CredentialTTL returns the lifetime of credentials issued for the run.
func (c *WaitConfig) CredentialTTL() time.Duration {
	return c.Timeout + c.CredentialSkew
}

func (c *WaitConfig) ValidateAndDefault() error {
	if c.Timeout == 0 {
		c.Timeout = DefaultCompletionTimeout
	}
	if c.CredentialSkew == 0 {
		c.CredentialSkew = DefaultCredentialSkew
	}

	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(c.Timeout < 0, "wait timeout cannot be negative")
	catcher.NewWhen(c.CredentialSkew < 0, "credential skew cannot be negative")
	return catcher.Resolve()
}

// ValidateAndDefault fills in defaults and checks every section.
func (s *Settings) ValidateAndDefault() error {
	catcher := grip.NewBasicCatcher()
	catcher.Add(validateItems(s.Items))
	catcher.Wrap(s.Registry.ValidateAndDefault(), "invalid registry settings")
	catcher.Wrap(s.Batch.ValidateAndDefault(), "invalid batch settings")
	catcher.Wrap(s.Storage.ValidateAndDefault(), "invalid storage settings")
	catcher.Wrap(s.Worker.ValidateAndDefault(), "invalid worker settings")
	catcher.Wrap(s.Wait.ValidateAndDefault(), "invalid wait settings")
	return catcher.Resolve()
}

func validateItems(items []int) error {
	if len(items) == 0 {
		return errors.New("at least one item must be specified")
	}

	catcher := grip.NewBasicCatcher()
	seen := make(map[int]bool, len(items))
	for _, id := range items {
		catcher.ErrorfWhen(id <= 0, "item id %d must be positive", id)
		catcher.ErrorfWhen(seen[id], "item id %d is listed more than once", id)
		seen[id] = true
	}
	return catcher.Resolve()
}

// envOverride maps an environment variable (without EnvPrefix) onto a
// settings field.
type envOverride struct {
	name  string
	apply func(s *Settings, value string) error
}

func stringOverride(name string, field func(s *Settings) *string) envOverride {
	return envOverride{
		name: name,
		apply: func(s *Settings, value string) error {
			*field(s) = value
			return nil
		},
	}
}

func boolOverride(name string, field func(s *Settings) *bool) envOverride {
	return envOverride{
		name: name,
		apply: func(s *Settings, value string) error {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return errors.Wrapf(err, "parsing boolean '%s'", value)
			}
			*field(s) = b
			return nil
		},
	}
}

var envOverrides = []envOverride{
	{
		name: "ITEMS",
		apply: func(s *Settings, value string) error {
			items, err := parseItemList(value)
			if err != nil {
				return err
			}
			s.Items = items
			return nil
		},
	},
	boolOverride("DELETE_JOB", func(s *Settings) *bool { return &s.DeleteJob }),
	boolOverride("DELETE_POOL", func(s *Settings) *bool { return &s.DeletePool }),
	stringOverride("REGISTRY_USER", func(s *Settings) *string { return &s.Registry.User }),
	stringOverride("REGISTRY_PASSWORD", func(s *Settings) *string { return &s.Registry.Password }),
	stringOverride("REGISTRY_SERVER", func(s *Settings) *string { return &s.Registry.Server }),
	stringOverride("REGISTRY_IMAGE", func(s *Settings) *string { return &s.Registry.Image }),
	stringOverride("BATCH_SERVICE_URL", func(s *Settings) *string { return &s.Batch.ServiceURL }),
	stringOverride("BATCH_ACCOUNT_NAME", func(s *Settings) *string { return &s.Batch.AccountName }),
	stringOverride("BATCH_ACCOUNT_KEY", func(s *Settings) *string { return &s.Batch.AccountKey }),
	stringOverride("BATCH_POOL_ID", func(s *Settings) *string { return &s.Batch.PoolID }),
	stringOverride("BATCH_JOB_ID", func(s *Settings) *string { return &s.Batch.JobID }),
	stringOverride("STORAGE_ACCOUNT_NAME", func(s *Settings) *string { return &s.Storage.AccountName }),
	stringOverride("STORAGE_ACCOUNT_KEY", func(s *Settings) *string { return &s.Storage.AccountKey }),
	stringOverride("STORAGE_CONTAINER_NAME", func(s *Settings) *string { return &s.Storage.ContainerName }),
}

func parseItemList(value string) ([]int, error) {
	var items []int
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing item id '%s'", field)
		}
		items = append(items, id)
	}
	return items, nil
}

// ApplyEnvironment overrides settings with the POSTBATCH_* variables found
// through lookup.
func (s *Settings) ApplyEnvironment(lookup func(string) (string, bool)) error {
	catcher := grip.NewBasicCatcher()
	for _, o := range envOverrides {
		value, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		catcher.Wrapf(o.apply(s, value), "applying %s%s", EnvPrefix, o.name)
	}
	return catcher.Resolve()
}

// LoadSettings reads the settings file, applies environment overrides and
// validates the result.
func LoadSettings(fn string) (*Settings, error) {
	settings := &Settings{}
	if err := util.ReadFromYAMLFile(fn, settings); err != nil {
		return nil, errors.Wrap(err, "reading settings file")
	}
	if err := settings.ApplyEnvironment(os.LookupEnv); err != nil {
		return nil, errors.Wrap(err, "applying environment overrides")
	}
	if err := settings.ValidateAndDefault(); err != nil {
		return nil, errors.Wrap(err, "validating settings")
	}
	return settings, nil
}
