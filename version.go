package main

import (
	"fmt"

	"github.com/mirror-hub/mirror-hub/internal/version"
)

func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
