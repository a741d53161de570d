// Package session binds an authenticated caller identity to one invocation's
// execution. The binding is an explicit context value threaded through
// dispatch, never ambient process or goroutine state, so it stays correct
// when an operation hands work to other goroutines.
package session

import (
	"context"
	"fmt"
)

// User is an authenticated caller with its permission set. Supplied by an
// external authentication collaborator; read-only here.
type User struct {
	Name        string
	Permissions []string
}

// Has reports whether the user holds the given permission.
func (u User) Has(permission string) bool {
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller returns a context carrying user as the executing caller for the
// duration of the call only.
func WithCaller(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, callerKey{}, user)
}

// CallerFrom extracts the bound caller, if any.
func CallerFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(callerKey{}).(User)
	return u, ok
}

// PermissionError reports a denied or unbound authorization check.
type PermissionError struct {
	Permission string
	Caller     string // empty when no caller was bound
}

func (e *PermissionError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("permission %q denied: no caller bound to this call", e.Permission)
	}
	return fmt.Sprintf("permission %q denied for user %q", e.Permission, e.Caller)
}

// RequirePermission fails when permission is absent from the bound caller's
// set, or when no caller is bound at all. Every dispatch path binds a caller
// before invoking an operation; an unbound check is always a denial.
func RequirePermission(ctx context.Context, permission string) error {
	u, ok := CallerFrom(ctx)
	if !ok {
		return &PermissionError{Permission: permission}
	}
	if !u.Has(permission) {
		return &PermissionError{Permission: permission, Caller: u.Name}
	}
	return nil
}

// Provider resolves the permission set for an authenticated identity name.
// Implemented by the database repository in production and by Static in
// tests and memory-store deployments.
type Provider interface {
	Lookup(ctx context.Context, name string) (User, error)
}

// Static is a fixed in-memory Provider.
type Static map[string]User

// Lookup returns the configured user, or an unnamed user with no permissions
// when the identity is unknown (every permission check then denies).
func (s Static) Lookup(_ context.Context, name string) (User, error) {
	if u, ok := s[name]; ok {
		return u, nil
	}
	return User{Name: name}, nil
}
