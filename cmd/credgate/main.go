// Command credgate serves the credential policy evaluation engine.
package main

import "github.com/Sentinel-Gate/credgate/cmd/credgate/cmd"

func main() {
	cmd.Execute()
}
