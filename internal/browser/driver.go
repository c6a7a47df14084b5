// Package browser wraps the external browser-automation runner that performs
// the actual login flow. The relay only ever sees opaque handles; DOM
// navigation lives entirely inside the runner service.
package browser

import (
	"context"
	"errors"
)

// Handle identifies a launched browser inside the runner service.
type Handle string

// Credentials carries everything the runner needs to authenticate into a world.
type Credentials struct {
	FoundryURL string
	WorldName  string
	Username   string
	Password   string
}

// LoginResult reports the identity the runner resolved during login. The user
// id drives the expected client id, because the counterpart module connects as
// "foundry-{userId}".
type LoginResult struct {
	UserID string
}

var (
	// ErrWorldNotFound indicates the named world could not be found or launched.
	ErrWorldNotFound = errors.New("world not found")
	// ErrLoginFormNotFound indicates the login form never appeared after world selection.
	ErrLoginFormNotFound = errors.New("login form not found")
)

// Driver is the contract the session controller drives browsers through.
type Driver interface {
	// Launch starts a headless browser and returns its handle.
	Launch(ctx context.Context) (Handle, error)
	// Login navigates the login flow with the supplied credentials.
	Login(ctx context.Context, handle Handle, creds Credentials) (LoginResult, error)
	// Close tears the browser down. Closing an unknown handle is not an error.
	Close(ctx context.Context, handle Handle) error
}
