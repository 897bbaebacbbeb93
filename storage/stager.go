package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/evergreen-ci/postbatch"
	"github.com/evergreen-ci/postbatch/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// ContainerClient is the subset of the blob service client the stager
// needs. *azblob.Client satisfies it.
type ContainerClient interface {
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
}

// Stager manages the shared container that every task of a run stages its
// output into.
type Stager struct {
	client    ContainerClient
	broker    Broker
	container string
	ttl       time.Duration
}

// StagerOptions configure a Stager.
type StagerOptions struct {
	Client    ContainerClient
	Broker    Broker
	Container string
	// CredentialTTL is the lifetime of every credential the stager hands
	// out.
	CredentialTTL time.Duration
}

func (o *StagerOptions) validate() error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(o.Client == nil, "container client must be specified")
	catcher.NewWhen(o.Broker == nil, "credential broker must be specified")
	catcher.NewWhen(o.Container == "", "container name must be specified")
	catcher.NewWhen(o.CredentialTTL <= 0, "credential TTL must be positive")
	return catcher.Resolve()
}

func NewStager(opts StagerOptions) (*Stager, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stager options")
	}
	return &Stager{
		client:    opts.Client,
		broker:    opts.Broker,
		container: opts.Container,
		ttl:       opts.CredentialTTL,
	}, nil
}

// NewAzureStager builds a Stager for the configured storage account. Without
// an account key the stager can still be constructed, but every credential
// request fails with ErrCapabilityUnsupported.
func NewAzureStager(conf postbatch.StorageConfig, wait postbatch.WaitConfig) (*Stager, error) {
	var (
		cred   *azblob.SharedKeyCredential
		client *azblob.Client
		err    error
	)
	if conf.AccountKey != "" {
		cred, err = azblob.NewSharedKeyCredential(conf.AccountName, conf.AccountKey)
		if err != nil {
			return nil, errors.Wrap(err, "parsing storage account key")
		}
		client, err = azblob.NewClientWithSharedKeyCredential(conf.ServiceURL(), cred, nil)
	} else {
		client, err = azblob.NewClientWithNoCredential(conf.ServiceURL(), nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating blob service client")
	}

	broker, err := NewBroker(BrokerOptions{
		ServiceURL:  conf.ServiceURL(),
		Credential:  cred,
		MinLifetime: wait.Timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating credential broker")
	}

	return NewStager(StagerOptions{
		Client:        client,
		Broker:        broker,
		Container:     conf.ContainerName,
		CredentialTTL: wait.CredentialTTL(),
	})
}

// Container returns the name of the staging container.
func (s *Stager) Container() string { return s.container }

// EnsureContainer creates the staging container, treating an existing
// container as success.
func (s *Stager) EnsureContainer(ctx context.Context) (model.CreateOutcome, error) {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err == nil {
		grip.Info(message.Fields{
			"message":   "created staging container",
			"container": s.container,
		})
		return model.Created, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		grip.Debug(message.Fields{
			"message":   "staging container already exists",
			"container": s.container,
		})
		return model.AlreadyExists, nil
	}
	return model.Unknown, errors.Wrapf(err, "creating container '%s'", s.container)
}

// SharedWriteCredential issues the container-scoped read+write credential
// every task uploads its output under.
func (s *Stager) SharedWriteCredential() (model.ScopedCredential, error) {
	cred, err := s.broker.IssueCredential(ContainerRef{Container: s.container}, model.ScopeContainer, model.PermissionReadWrite, s.ttl)
	return cred, errors.Wrapf(err, "issuing write credential for container '%s'", s.container)
}

// DeriveResourceReference issues a read-only credential for exactly one
// blob of the staging container and pairs it with the file name a
// downstream task materializes it as.
func (s *Stager) DeriveResourceReference(blobName string) (model.ResourceReference, error) {
	cred, err := s.broker.IssueCredential(ContainerRef{Container: s.container, Blob: blobName}, model.ScopeBlob, model.PermissionRead, s.ttl)
	if err != nil {
		return model.ResourceReference{}, errors.Wrapf(err, "issuing read credential for blob '%s'", blobName)
	}
	return model.ResourceReference{
		URL:      cred.URL,
		FilePath: blobName,
	}, nil
}
