package model

import "time"

// CredentialScope is the extent of storage a ScopedCredential grants
// access to.
type CredentialScope string

const (
	ScopeContainer CredentialScope = "container"
	ScopeBlob      CredentialScope = "blob"
)

// Permission is the set of operations a ScopedCredential allows.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionReadWrite Permission = "read+write"
)

// ScopedCredential is a time-boxed, permission-limited access token for a
// storage container or a single blob within one. It is never persisted.
type ScopedCredential struct {
	Scope       CredentialScope
	Permissions Permission
	Container   string
	// Blob is empty for container-scoped credentials.
	Blob string
	// URL is the resource URL with the signed token as its query.
	URL       string
	ExpiresAt time.Time
}

// ValidAt returns whether the credential is unexpired at the given time.
func (c *ScopedCredential) ValidAt(t time.Time) bool {
	return t.Before(c.ExpiresAt)
}
