package main

import (
	"os"

	"github.com/phcnguyen/seclink/cmd/seclinkd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
