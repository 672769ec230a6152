// Crewctl is the crewline developer CLI: scaffolding and validation of
// crew definitions.
package main

import "github.com/crewline/crewline/cmd/crewctl/cmd"

func main() {
	cmd.Execute()
}
