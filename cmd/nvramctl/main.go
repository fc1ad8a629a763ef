package main

import (
	"os"

	"github.com/bmcpi/emunvram/cmd/nvramctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
