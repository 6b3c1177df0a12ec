package main

// ---------------------------------------------------------------------------
// helpers.go — error helpers and env-based config resolution
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
)

// errorf prints an error to stderr and exits non-zero.
func errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envConfig lets HOSTGUARD_CONFIG override the default config path when the
// flag was not set explicitly.
func envConfig(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("HOSTGUARD_CONFIG")
}
