// The main package for the adaptive-crawler executable.
package main

import (
	"github.com/JakeFAU/adaptive-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
