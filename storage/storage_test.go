package storage

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/evergreen-ci/postbatch/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServiceURL = "https://account.blob.core.windows.net/"
	testContainer  = "postbatch-output"
	testDeadline   = 30 * time.Minute
)

func testCredential(t *testing.T) *azblob.SharedKeyCredential {
	cred, err := azblob.NewSharedKeyCredential("account", base64.StdEncoding.EncodeToString([]byte("not-a-real-account-key")))
	require.NoError(t, err)
	return cred
}

func testBroker(t *testing.T, cred *azblob.SharedKeyCredential, now time.Time) Broker {
	b, err := NewBroker(BrokerOptions{
		ServiceURL:  testServiceURL,
		Credential:  cred,
		MinLifetime: testDeadline,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)
	return b
}

func parseCredentialURL(t *testing.T, cred model.ScopedCredential) (*url.URL, url.Values) {
	u, err := url.Parse(cred.URL)
	require.NoError(t, err)
	return u, u.Query()
}

func TestBroker(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	for testName, testCase := range map[string]func(t *testing.T, b Broker){
		"ContainerReadWrite": func(t *testing.T, b Broker) {
			cred, err := b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, model.PermissionReadWrite, time.Hour)
			require.NoError(t, err)

			assert.Equal(t, model.ScopeContainer, cred.Scope)
			assert.Equal(t, model.PermissionReadWrite, cred.Permissions)
			assert.Empty(t, cred.Blob)
			assert.Equal(t, now.Add(time.Hour), cred.ExpiresAt)

			u, q := parseCredentialURL(t, cred)
			assert.Equal(t, "https", u.Scheme)
			assert.Equal(t, "account.blob.core.windows.net", u.Host)
			assert.Equal(t, "/"+testContainer, u.Path)
			assert.Equal(t, "c", q.Get("sr"))
			assert.Equal(t, "rw", q.Get("sp"))
			assert.Equal(t, "https", q.Get("spr"))
			assert.NotEmpty(t, q.Get("sig"))
		},
		"BlobReadOnly": func(t *testing.T, b Broker) {
			cred, err := b.IssueCredential(ContainerRef{Container: testContainer, Blob: "Post_1.json"}, model.ScopeBlob, model.PermissionRead, time.Hour)
			require.NoError(t, err)

			assert.Equal(t, model.ScopeBlob, cred.Scope)
			assert.Equal(t, "Post_1.json", cred.Blob)

			u, q := parseCredentialURL(t, cred)
			assert.Equal(t, "/"+testContainer+"/Post_1.json", u.Path)
			assert.Equal(t, "b", q.Get("sr"))
			assert.Equal(t, "r", q.Get("sp"))
		},
		"ExpiryExceedsDeadline": func(t *testing.T, b Broker) {
			ttl := testDeadline + time.Second
			cred, err := b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, model.PermissionReadWrite, ttl)
			require.NoError(t, err)
			assert.True(t, cred.ExpiresAt.After(now.Add(testDeadline)))
			assert.True(t, cred.ValidAt(now.Add(testDeadline)))

			_, q := parseCredentialURL(t, cred)
			se, err := time.Parse(time.RFC3339, q.Get("se"))
			require.NoError(t, err)
			assert.True(t, se.After(now.Add(testDeadline)))
		},
		"LifetimeNotExceedingDeadlineRejected": func(t *testing.T, b Broker) {
			_, err := b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, model.PermissionReadWrite, testDeadline)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "must exceed")
		},
		"FreshTokenPerCall": func(t *testing.T, b Broker) {
			first, err := b.IssueCredential(ContainerRef{Container: testContainer, Blob: "Post_1.json"}, model.ScopeBlob, model.PermissionRead, time.Hour)
			require.NoError(t, err)
			second, err := b.IssueCredential(ContainerRef{Container: testContainer, Blob: "Post_2.json"}, model.ScopeBlob, model.PermissionRead, time.Hour)
			require.NoError(t, err)
			assert.NotEqual(t, first.URL, second.URL)
		},
		"InvalidRequests": func(t *testing.T, b Broker) {
			_, err := b.IssueCredential(ContainerRef{}, model.ScopeContainer, model.PermissionRead, time.Hour)
			assert.Error(t, err)
			_, err = b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeBlob, model.PermissionRead, time.Hour)
			assert.Error(t, err)
			_, err = b.IssueCredential(ContainerRef{Container: testContainer, Blob: "b"}, model.ScopeContainer, model.PermissionRead, time.Hour)
			assert.Error(t, err)
			_, err = b.IssueCredential(ContainerRef{Container: testContainer}, "account", model.PermissionRead, time.Hour)
			assert.Error(t, err)
			_, err = b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, "delete", time.Hour)
			assert.Error(t, err)
		},
	} {
		t.Run(testName, func(t *testing.T) {
			testCase(t, testBroker(t, testCredential(t), now))
		})
	}

	t.Run("SubSecondExpiryRoundsUp", func(t *testing.T) {
		issued := now.Add(700 * time.Millisecond)
		b := testBroker(t, testCredential(t), issued)
		cred, err := b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, model.PermissionReadWrite, testDeadline+100*time.Millisecond)
		require.NoError(t, err)

		_, q := parseCredentialURL(t, cred)
		se, err := time.Parse(time.RFC3339, q.Get("se"))
		require.NoError(t, err)
		assert.True(t, se.After(issued.Add(testDeadline)), "signed expiry %s must exceed the minimum lifetime", se)
		assert.True(t, se.Equal(cred.ExpiresAt))
		assert.Equal(t, now.Add(testDeadline+time.Second), cred.ExpiresAt)
	})
	t.Run("CapabilityUnsupported", func(t *testing.T) {
		b := testBroker(t, nil, now)
		_, err := b.IssueCredential(ContainerRef{Container: testContainer}, model.ScopeContainer, model.PermissionReadWrite, time.Hour)
		assert.Equal(t, ErrCapabilityUnsupported, err)
	})
	t.Run("RelativeServiceURLRejected", func(t *testing.T) {
		_, err := NewBroker(BrokerOptions{ServiceURL: "account.blob.core.windows.net"})
		assert.Error(t, err)
	})
}

type mockContainerClient struct {
	err   error
	calls []string
}

func (c *mockContainerClient) CreateContainer(_ context.Context, name string, _ *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error) {
	c.calls = append(c.calls, name)
	return azblob.CreateContainerResponse{}, c.err
}

func TestStager(t *testing.T) {
	now := time.Now()
	newStager := func(t *testing.T, client ContainerClient, cred *azblob.SharedKeyCredential) *Stager {
		s, err := NewStager(StagerOptions{
			Client:        client,
			Broker:        testBroker(t, cred, now),
			Container:     testContainer,
			CredentialTTL: testDeadline + time.Hour,
		})
		require.NoError(t, err)
		return s
	}

	t.Run("EnsureContainer", func(t *testing.T) {
		for testName, testCase := range map[string]struct {
			err      error
			outcome  model.CreateOutcome
			hasError bool
		}{
			"Created": {outcome: model.Created},
			"AlreadyExists": {
				err:     &azcore.ResponseError{ErrorCode: string(bloberror.ContainerAlreadyExists), StatusCode: http.StatusConflict},
				outcome: model.AlreadyExists,
			},
			"OtherError": {
				err:      errors.New("authorization failure"),
				outcome:  model.Unknown,
				hasError: true,
			},
		} {
			t.Run(testName, func(t *testing.T) {
				client := &mockContainerClient{err: testCase.err}
				s := newStager(t, client, testCredential(t))

				outcome, err := s.EnsureContainer(t.Context())
				assert.Equal(t, []string{testContainer}, client.calls)
				assert.Equal(t, testCase.outcome, outcome)
				if testCase.hasError {
					require.Error(t, err)
					assert.Contains(t, err.Error(), testContainer)
					return
				}
				require.NoError(t, err)
			})
		}
	})
	t.Run("EnsureContainerTwice", func(t *testing.T) {
		client := &mockContainerClient{}
		s := newStager(t, client, testCredential(t))
		outcome, err := s.EnsureContainer(t.Context())
		require.NoError(t, err)
		assert.Equal(t, model.Created, outcome)

		client.err = &azcore.ResponseError{ErrorCode: string(bloberror.ContainerAlreadyExists), StatusCode: http.StatusConflict}
		outcome, err = s.EnsureContainer(t.Context())
		require.NoError(t, err)
		assert.Equal(t, model.AlreadyExists, outcome)
	})
	t.Run("SharedWriteCredential", func(t *testing.T) {
		s := newStager(t, &mockContainerClient{}, testCredential(t))
		cred, err := s.SharedWriteCredential()
		require.NoError(t, err)
		assert.Equal(t, model.ScopeContainer, cred.Scope)
		assert.Equal(t, model.PermissionReadWrite, cred.Permissions)
		assert.Equal(t, testContainer, cred.Container)
		assert.True(t, cred.ExpiresAt.After(now.Add(testDeadline)))
	})
	t.Run("DeriveResourceReference", func(t *testing.T) {
		s := newStager(t, &mockContainerClient{}, testCredential(t))
		ref, err := s.DeriveResourceReference("Post_3.json")
		require.NoError(t, err)
		assert.Equal(t, "Post_3.json", ref.FilePath)

		u, err := url.Parse(ref.URL)
		require.NoError(t, err)
		assert.Equal(t, "/"+testContainer+"/Post_3.json", u.Path)
		assert.Equal(t, "r", u.Query().Get("sp"))
		assert.Equal(t, "b", u.Query().Get("sr"))
	})
	t.Run("CapabilityUnsupported", func(t *testing.T) {
		s := newStager(t, &mockContainerClient{}, nil)
		_, err := s.SharedWriteCredential()
		assert.Equal(t, ErrCapabilityUnsupported, errors.Cause(err))
		_, err = s.DeriveResourceReference("Post_1.json")
		assert.Equal(t, ErrCapabilityUnsupported, errors.Cause(err))
	})
	t.Run("InvalidOptions", func(t *testing.T) {
		_, err := NewStager(StagerOptions{})
		assert.Error(t, err)
	})
}
