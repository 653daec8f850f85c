//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes a trace line to stderr. Only compiled with -tags debug.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "DEBUG: "+format, args...)
}
