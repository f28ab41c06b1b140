package main

import (
	"os"

	"github.com/opd-ai/mjnet/cmd/mjnetd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
