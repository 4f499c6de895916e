// The main package for the geoscrape executable.
package main

import "github.com/JakeFAU/geoscrape/cmd"

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
