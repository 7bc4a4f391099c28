// The main package for the booky-indexer executable.
package main

import (
	"github.com/JakeFAU/booky-indexer/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
