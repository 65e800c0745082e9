package main

import (
	"os"

	"github.com/replicheck/replicheck/cmd/replicheck/cmd"
	"github.com/replicheck/replicheck/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
