// Command bridged runs a single worker's bridge daemon: it polls a
// filesystem task store, drives an external AI CLI to work each claimed
// task, and reports progress back through the outbox.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
