//go:build !debug

package debug

const Debug = false

// Print is a no-op outside debug builds.
func Print(format string, args ...interface{}) {}
