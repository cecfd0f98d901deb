package main

import (
	"os"

	"github.com/rustyeddy/washguard/cmd/washguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
