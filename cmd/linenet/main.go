// Command linenet runs a line-protocol server, connects to one, or finds one
// on the local network.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
