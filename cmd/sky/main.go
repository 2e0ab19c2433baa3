package main

import (
	"os"

	"skyvault/cmd/sky/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
