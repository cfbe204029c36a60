// Package main provides the cpd CLI.
package main

import (
	"os"

	"github.com/mesh-intelligence/cpd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
