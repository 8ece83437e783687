// Command pdsim runs USB-PD port controllers against simulated hardware and
// partners, and inspects their configuration and event traces.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
