package model

// CreateOutcome is the result of an idempotent create: either the resource
// was created or it was already there. Unknown accompanies every error.
type CreateOutcome int

const (
	Unknown CreateOutcome = iota
	Created
	AlreadyExists
)

func (o CreateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already exists"
	default:
		return "unknown"
	}
}
