package main

import (
	"os"

	"github.com/conduit-lang/normalizer/internal/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
