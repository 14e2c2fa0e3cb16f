package main

import (
	"os"

	"github.com/glrecorder/glrecorder/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
