// Package handle implements parsing and normalization of mesh handles.
// A handle is a string identifier addressing an agent or a client. The fully
// qualified form is "owner:agent" where owner is a client handle and agent is
// the agent-local name. Bare client handles contain no colon.
package handle

import (
	"errors"
	"strings"
)

// Separator joins the owner and agent components of a qualified handle.
const Separator = ":"

// ErrInvalid reports an empty or malformed handle.
var ErrInvalid = errors.New("invalid handle")

// Prefix returns the owner prefix for the given client handle, i.e.
// "clientID:". The returned prefix is what EnsurePrefix prepends to
// agent-local names.
func Prefix(clientID string) string {
	return clientID + Separator
}

// EnsurePrefix returns h unchanged when it already starts with prefix and
// prefix+h otherwise. Applying EnsurePrefix twice with the same prefix is
// idempotent.
func EnsurePrefix(h, prefix string) string {
	if strings.HasPrefix(h, prefix) {
		return h
	}
	return prefix + h
}

// StripPrefix removes prefix from h when present. It is the inverse of
// EnsurePrefix for handles that did not carry the prefix to begin with.
func StripPrefix(h, prefix string) string {
	return strings.TrimPrefix(h, prefix)
}

// Owner returns the owner component of a qualified handle and true, or
// ("", false) when h is a bare handle without an owner.
func Owner(h string) (string, bool) {
	i := strings.Index(h, Separator)
	if i < 0 {
		return "", false
	}
	return h[:i], true
}

// Local returns the agent-local component of h, i.e. everything after the
// first separator. Bare handles are returned unchanged.
func Local(h string) string {
	if i := strings.Index(h, Separator); i >= 0 {
		return h[i+1:]
	}
	return h
}

// Validate returns ErrInvalid when h is empty or consists only of
// separators, and nil otherwise.
func Validate(h string) error {
	if h == "" {
		return ErrInvalid
	}
	if strings.Trim(h, Separator) == "" {
		return ErrInvalid
	}
	return nil
}
