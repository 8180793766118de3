package main

import (
	"os"

	"github.com/binmap/binmap/cmd/binmap/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
