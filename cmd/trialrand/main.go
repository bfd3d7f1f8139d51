// Command trialrand serves and operates blinded randomization lists.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// errBlocking marks a health check that found problems on a strict scheme.
var errBlocking = errors.New("blocking findings on strict schemes")

func exitCode(err error) int {
	if errors.Is(err, errBlocking) {
		return 2
	}
	return 1
}
