package main

import (
	"os"

	"github.com/opd-ai/mxcrypto/cmd/roomkeys/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
