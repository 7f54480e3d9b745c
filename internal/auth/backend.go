// Package auth authenticates login requests against a configured user
// store and verifies the challenge/response digest used to bind a session
// to a password without sending it again in the clear (spec §4.6/§8's
// replacement for the bespoke digest).
package auth

import "github.com/uniset/mediator/internal/errs"

// ErrInvalidCredentials is returned by a Backend when the user/module is
// unknown or the password is wrong.
var ErrInvalidCredentials = errs.New(errs.Auth, "auth", errInvalidCredentials{})

type errInvalidCredentials struct{}

func (errInvalidCredentials) Error() string { return "invalid credentials" }

// Principal is what a successful Authenticate call resolves to: the
// caller's identity and the roles attached to it (spec §4.6's "(user,
// password, optional roles)").
type Principal struct {
	Name  string
	Roles []string
}

// Backend authenticates a (user, password) pair against one user store.
// The mediator selects a backend by the `UserManagement` config the same
// way the teacher selects a storage.Storage implementation by a config
// string.
type Backend interface {
	Authenticate(user, password string) (Principal, error)
}

// Chain tries each Backend in order, returning the first success. All
// backends failing returns the last backend's error.
type Chain []Backend

func (c Chain) Authenticate(user, password string) (Principal, error) {
	var lastErr error
	for _, b := range c {
		p, err := b.Authenticate(user, password)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrInvalidCredentials
	}
	return Principal{}, lastErr
}
