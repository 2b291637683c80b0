package main

import (
	"os"

	"github.com/kiosk404/tokenlens/internal/tokenlens/cmd"
)

func main() {
	command := cmd.NewDefaultTokenLensCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}
