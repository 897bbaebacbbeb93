package storage

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/evergreen-ci/postbatch/model"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// ErrCapabilityUnsupported is returned when the storage account cannot
// sign scoped credentials, which requires the account's shared key.
var ErrCapabilityUnsupported = errors.New("storage account cannot generate scoped credentials without a shared key")

// signingClockSkew backdates the start of every token to tolerate node
// clocks running behind ours.
const signingClockSkew = 5 * time.Minute

// Broker mints short-lived, scope-limited tokens for the containers of a
// single storage account.
type Broker interface {
	// IssueCredential signs a fresh token for the container, or for the
	// blob within it when scope is ScopeBlob. Tokens are never cached.
	IssueCredential(ref ContainerRef, scope model.CredentialScope, perms model.Permission, ttl time.Duration) (model.ScopedCredential, error)
}

// ContainerRef names a container, and optionally a blob within it.
type ContainerRef struct {
	Container string
	Blob      string
}

// BrokerOptions configure a shared key broker.
type BrokerOptions struct {
	// ServiceURL is the blob endpoint of the account, e.g.
	// https://account.blob.core.windows.net/.
	ServiceURL string
	// Credential is the account's shared key. A nil credential yields a
	// broker that fails every request with ErrCapabilityUnsupported.
	Credential *azblob.SharedKeyCredential
	// MinLifetime is the lifetime every token must exceed, normally the
	// completion timeout of the run.
	MinLifetime time.Duration
	// Now overrides the clock, for testing.
	Now func() time.Time
}

type sharedKeyBroker struct {
	serviceURL  *url.URL
	credential  *azblob.SharedKeyCredential
	minLifetime time.Duration
	now         func() time.Time
}

// NewBroker returns a Broker signing with the account's shared key.
func NewBroker(opts BrokerOptions) (Broker, error) {
	u, err := url.Parse(opts.ServiceURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing service URL '%s'", opts.ServiceURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("service URL '%s' must be absolute", opts.ServiceURL)
	}
	if opts.MinLifetime < 0 {
		return nil, errors.New("minimum credential lifetime cannot be negative")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &sharedKeyBroker{
		serviceURL:  u,
		credential:  opts.Credential,
		minLifetime: opts.MinLifetime,
		now:         now,
	}, nil
}

func validateRequest(ref ContainerRef, scope model.CredentialScope, perms model.Permission) error {
	catcher := grip.NewBasicCatcher()
	catcher.NewWhen(ref.Container == "", "container must be specified")
	switch scope {
	case model.ScopeContainer:
		catcher.NewWhen(ref.Blob != "", "container-scoped credentials cannot name a blob")
	case model.ScopeBlob:
		catcher.NewWhen(ref.Blob == "", "blob-scoped credentials must name a blob")
	default:
		catcher.Errorf("unrecognized credential scope '%s'", scope)
	}
	catcher.ErrorfWhen(perms != model.PermissionRead && perms != model.PermissionReadWrite, "unrecognized permission set '%s'", perms)
	return catcher.Resolve()
}

func sasPermissions(scope model.CredentialScope, perms model.Permission) string {
	write := perms == model.PermissionReadWrite
	if scope == model.ScopeBlob {
		p := sas.BlobPermissions{Read: true, Write: write}
		return p.String()
	}
	p := sas.ContainerPermissions{Read: true, Write: write}
	return p.String()
}

func (b *sharedKeyBroker) resourceURL(ref ContainerRef) string {
	u := *b.serviceURL
	u.Path = "/" + ref.Container
	if ref.Blob != "" {
		u.Path += "/" + strings.TrimPrefix(ref.Blob, "/")
	}
	u.RawQuery = ""
	return u.String()
}

func (b *sharedKeyBroker) IssueCredential(ref ContainerRef, scope model.CredentialScope, perms model.Permission, ttl time.Duration) (model.ScopedCredential, error) {
	if b.credential == nil {
		return model.ScopedCredential{}, ErrCapabilityUnsupported
	}
	if err := validateRequest(ref, scope, perms); err != nil {
		return model.ScopedCredential{}, errors.Wrap(err, "invalid credential request")
	}
	if ttl <= b.minLifetime {
		return model.ScopedCredential{}, errors.Errorf("credential lifetime %s must exceed %s", ttl, b.minLifetime)
	}

	now := b.now().UTC()
	// The signed expiry has second precision, so round up to keep the
	// lifetime above the minimum.
	expiry := now.Add(ttl)
	if t := expiry.Truncate(time.Second); !t.Equal(expiry) {
		expiry = t.Add(time.Second)
	}
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-signingClockSkew),
		ExpiryTime:    expiry,
		Permissions:   sasPermissions(scope, perms),
		ContainerName: ref.Container,
	}
	if scope == model.ScopeBlob {
		values.BlobName = ref.Blob
	}

	params, err := values.SignWithSharedKey(b.credential)
	if err != nil {
		return model.ScopedCredential{}, errors.Wrapf(err, "signing %s credential for '%s'", scope, ref.Container)
	}

	return model.ScopedCredential{
		Scope:       scope,
		Permissions: perms,
		Container:   ref.Container,
		Blob:        values.BlobName,
		URL:         fmt.Sprintf("%s?%s", b.resourceURL(ref), params.Encode()),
		ExpiresAt:   expiry,
	}, nil
}
