package main

import (
	"os"

	"github.com/pksorensen/devspawn/cmd/devspawn/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
