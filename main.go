// Package main is the entry point for the phishwatch threat intelligence service.
package main

import (
	"context"
	"fmt"
	"os"

	"phishwatch/bootstrap"
	"phishwatch/cmd"
)

// configFileEnv names an explicit config file for the server
const configFileEnv = "PHISHWATCH_CONFIG_FILE"

// run initializes and starts the phishwatch service.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx, os.Getenv(configFileEnv))
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown(ctx)
	app.Shutdown()
	return nil
}

// cliArgs returns the arguments for the intel CLI, or false to run the server
func cliArgs(args []string) ([]string, bool) {
	if len(args) > 1 && args[1] == "intel" {
		return args[2:], true
	}
	return nil, false
}

// main is the entry point.
func main() {
	if args, ok := cliArgs(os.Args); ok {
		intelCmd := cmd.NewIntelCmd()
		intelCmd.SetArgs(args)
		if err := intelCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Otherwise run as normal server
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
