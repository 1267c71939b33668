// Package main is the entry point for the duck command line client.
package main

import (
	"os"

	cli "duck-analytics/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
