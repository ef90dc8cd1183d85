// Package kv defines the namespaced key-value storage contract that all
// persistent client state (identities, pre-keys, sessions) is built on.
package kv

import "errors"

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("kv: key not found")

// Store is a namespace-scoped byte store. All operations are synchronous;
// implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key in ns, or ErrNotFound.
	Get(ns, key string) ([]byte, error)
	// Set stores value under key in ns, overwriting any existing value.
	Set(ns, key string, value []byte) error
	// Remove deletes key from ns. Removing a missing key is not an error.
	Remove(ns, key string) error
	// Has reports whether key exists in ns.
	Has(ns, key string) (bool, error)
	// Keys returns all keys present in ns, in no particular order.
	Keys(ns string) ([]string, error)
}
