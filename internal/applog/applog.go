// Package applog is the process-wide logging sink. It writes plain,
// prefixed lines to stderr rather than reaching for a structured logging
// library, since bridged is a single small daemon with no log
// aggregation to feed.
package applog

import (
	"fmt"
	"os"
)

const prefix = "bridged"

func Errorf(scope string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %s: %v\n", prefix, scope, err)
}

func Infof(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", prefix, fmt.Sprintf(format, args...))
	os.Exit(1)
}
