package main

import (
	"os"

	"github.com/dkeye/podcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
