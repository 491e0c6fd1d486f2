// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/blinklabs-io/starkview/internal/config"
	"github.com/blinklabs-io/starkview/internal/version"
)

const (
	programName = "starkview"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

func newLogger(debug bool) *slog.Logger {
	// Configure logger
	logLevel := slog.LevelInfo
	addSource := false
	if debug {
		logLevel = slog.LevelDebug
		addSource = true
	}
	return slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     logLevel,
		}),
	)
}

func commonRun() *slog.Logger {
	logger := newLogger(globalFlags.debug)
	slog.SetDefault(logger)
	// Configure max processes with our logger wrapper, toss undo func
	_, err := maxprocs.Set(maxprocs.Logger(slogPrintf))
	if err != nil {
		// If we hit this, something really wrong happened
		slog.Error(err.Error())
		os.Exit(1)
	}
	logger.Info(
		"version: "+version.GetVersionString(),
		"component", programName,
	)
	return logger
}

func configFromCommand(cmd *cobra.Command) *config.Config {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		slog.Error("no config found in context")
		os.Exit(1)
	}
	return cfg
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Starknet JSON-RPC view layer",
		Run: func(cmd *cobra.Command, args []string) {
			serveRun(cmd, args, configFromCommand(cmd))
		},
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().
		StringP("metadata", "m", "", "metadata store plugin to use (sqlite or postgres)")
	rootCmd.PersistentFlags().
		Bool("dev", false, "produce blocks locally with the devnet sequencer")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// Override config with command line flags
		if metadataPlugin, _ := cmd.Flags().GetString("metadata"); metadataPlugin != "" {
			cfg.MetadataPlugin = metadataPlugin
		}
		if dev, _ := cmd.Flags().GetBool("dev"); dev {
			cfg.RunMode = config.RunModeDev
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(rebuildCommand())
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

func main() {
	// Execute cobra command
	if err := rootCommand().Execute(); err != nil {
		// NOTE: we purposely don't display the error, since cobra will have already displayed it
		os.Exit(1)
	}
}
