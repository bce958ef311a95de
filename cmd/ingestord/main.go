// Package main is the single-binary entrypoint for the ingestion daemon.
package main

import "github.com/wtthornton/ha-ingestor/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
