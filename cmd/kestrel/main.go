// Command kestrel runs a kestrel authorization server.
//
// Usage:
//
//	kestrel --config=/etc/kestrel/config.yaml
//
// Flags:
//
//	--config        Path to a YAML config file (optional)
//	--verbose, -v   Enable verbose (debug) logging
//
// Configuration may also be supplied via KESTREL_-prefixed environment
// variables, e.g. KESTREL_SERVER_LISTEN=:9090.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/alechenninger/kestrel/config"
	"github.com/alechenninger/kestrel/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		verbose    = flag.Bool("verbose", false, "Enable verbose (debug) logging")
	)
	flag.Bool("v", false, "Enable verbose (debug) logging (shorthand)")
	flag.Parse()

	// Handle -v shorthand
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			*verbose = true
		}
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	ctx := context.Background()
	if err := server.Run(ctx, cfg, server.BuiltinConditions()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
