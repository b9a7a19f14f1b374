package main

import (
	"os"

	"github.com/psantana5/taskgate/cmd/taskgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
