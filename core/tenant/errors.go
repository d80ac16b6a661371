package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned for stores without a running instance.
	ErrNotRunning = errors.New("tenant: instance not running")
	// ErrMalformedToken is the cause of a CredentialError raised before any
	// network call.
	ErrMalformedToken = errors.New("tenant: malformed bot token")
	// ErrInvalidSettings marks settings that cannot be decoded or fail validation.
	ErrInvalidSettings = errors.New("tenant: invalid settings")
)

// CredentialError reports a bot credential that cannot be used. It only ever
// concerns the store it names.
type CredentialError struct {
	StoreID string
	Err     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("tenant %s: invalid credential: %v", e.StoreID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Code is the log error code.
func (e *CredentialError) Code() string { return "CREDENTIAL_INVALID" }
