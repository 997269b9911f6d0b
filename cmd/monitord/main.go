// Package main is the single-binary entrypoint for the monitor service.
package main

import "github.com/tutu-network/monitor/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
