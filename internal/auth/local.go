package auth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/uniset/mediator/internal/errs"
)

// LocalUser is one row of the `UserManagement` user table (spec §6):
// a bcrypt password hash plus the roles granted to that identity,
// grounded on the user/role split in iliyamo-cinema-seat-reservation's
// User/Role model — generalized from a DB-backed table to an in-memory one
// loaded once from configuration.
type LocalUser struct {
	Name         string
	PasswordHash string
	Roles        []string
}

// LocalBackend authenticates against a fixed table of bcrypt-hashed
// passwords, the way a module's ImplClass is resolved from a compile-time
// table rather than a live service.
type LocalBackend struct {
	mu    sync.RWMutex
	users map[string]LocalUser
}

// NewLocalBackend builds a LocalBackend from a list of users.
func NewLocalBackend(users []LocalUser) *LocalBackend {
	b := &LocalBackend{users: make(map[string]LocalUser, len(users))}
	for _, u := range users {
		b.users[u.Name] = u
	}
	return b
}

// HashPassword bcrypt-hashes password at the default cost, for use when
// provisioning LocalUser entries.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.New(errs.Internal, "auth.HashPassword", err)
	}
	return string(hash), nil
}

func (b *LocalBackend) Authenticate(user, password string) (Principal, error) {
	b.mu.RLock()
	u, ok := b.users[user]
	b.mu.RUnlock()
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Name: u.Name, Roles: append([]string(nil), u.Roles...)}, nil
}

// SetUser inserts or replaces a user record, e.g. on a config reload.
func (b *LocalBackend) SetUser(u LocalUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.Name] = u
}

// RemoveUser deletes a user record.
func (b *LocalBackend) RemoveUser(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, name)
}

func (b *LocalBackend) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("auth.LocalBackend{%d users}", len(b.users))
}
