// Command geoplace runs the GeoPlace generation orchestrator.
package main

import "github.com/geoplace/orchestrator/internal/cmd"

func main() {
	cmd.Execute()
}
