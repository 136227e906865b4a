package graph

import "os"

// FlagChecker reports whether a done-flag exists on persistent storage.
type FlagChecker interface {
	Exists(path string) bool
}

// OSFlags checks done-flags on the local filesystem.
type OSFlags struct{}

// Exists returns true if path exists. Any stat error counts as absent.
func (OSFlags) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FlagSet is an in-memory FlagChecker, handy for dry runs and tests.
type FlagSet map[string]bool

// Exists returns true if path is in the set.
func (s FlagSet) Exists(path string) bool {
	return s[path]
}
