// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ziparchive creates, extracts and inspects ZIP archives.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lemon4ksan/ziparchive/internal/config"
	"github.com/lemon4ksan/ziparchive/zstd"
)

// app is the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *logrus.Logger
}

func main() {
	zstd.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	a := &app{logger: logrus.StandardLogger()}
	err := a.buildRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) buildRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ziparchive",
		Short: "Create, extract and inspect ZIP archives",
		Long: `ziparchive reads and writes standard ZIP archives, including
ZipCrypto and WinZip AES encrypted entries.

Examples:
  # Archive a directory with AES-256 encryption
  ziparchive zip -r --password secret backup.zip ./photos

  # Extract, keeping existing files untouched
  ziparchive unzip --password secret backup.zip ./restore

  # Check a password without extracting anything
  ziparchive check --password secret backup.zip

Defaults are read from the file given with --config and from
ZIPARCHIVE_* environment variables. Flags always win.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	a.addGlobalFlags(cmd.PersistentFlags())

	cmd.AddCommand(a.buildZipCommand())
	cmd.AddCommand(a.buildUnzipCommand())
	cmd.AddCommand(a.buildCheckCommand())
	cmd.AddCommand(a.buildListCommand())
	return cmd
}

func (a *app) addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&a.configPath, "config", "", "Path to a TOML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format (text, json)")
}

// setup loads the configuration and applies the global flags on top of it.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ConfigureLogger(a.logger); err != nil {
		return err
	}

	a.cfg = cfg
	return nil
}
