// Package main is the entry point for the rtspserver application.
package main

import (
	"os"

	"github.com/nofearsk/rtspserver/cmd/rtspserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
