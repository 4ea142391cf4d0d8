// Command ragpipe ingests documents into a vector index and answers questions
// grounded on them. It provides a CLI interface (via Cobra) and an HTTP
// server exposing the same operations.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/ragpipe-go/cmd/ragpipe/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
