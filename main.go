// The main package for the docxharvest executable.
package main

import (
	"github.com/docfoundry/docxharvest/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
