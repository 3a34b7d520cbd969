package main

import (
	"os"

	"github.com/moolen/scr/cmd/scr/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
