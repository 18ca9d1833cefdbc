// Package main is the entry point for the lipsync CLI.
//
// Usage:
//
//	lipsync [flags] <command> [args]
//
// Commands:
//
//	infer    - Run lip-sync inference over a video and an audio track
//	probe    - Inspect a media file's streams
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/visage-ai/lipsync/cmd/lipsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
