// Command cutoutd runs the asynchronous cutout job service: the HTTP
// API, the worker pool, and the maintenance scheduler in one process.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
