package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/config"
	"github.com/effective-security/xlog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp", "cmd")

const defaultEnvFile = ".env"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "weathermcp",
		Short:         "Weather MCP server over HTTP+SSE",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, nil)
		},
	}

	cmd.PersistentFlags().String("cfg", "", "Config file path (optional)")
	cmd.PersistentFlags().String("env-file", "", "Environment file to load before the config (default .env, if present)")
	cmd.Flags().String("listen", "", "Listen address, overrides server.listen")
	cmd.Flags().String("log-level", "", "Log level, overrides logs.level")

	cmd.AddCommand(newToolsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadEnv loads the environment file; the default file is optional
func loadEnv(file string) error {
	if file == "" {
		if _, err := os.Stat(defaultEnvFile); err != nil {
			return nil
		}
		file = defaultEnvFile
	}
	if err := godotenv.Load(file); err != nil {
		return errors.Wrapf(err, "failed to load environment file %q", file)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}

	file, _ := cmd.Flags().GetString("cfg")
	cfg, err := config.Load(file)
	if err != nil {
		return nil, err
	}

	overridden := false
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Server.Listen = f.Value.String()
		overridden = true
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logs.Level = f.Value.String()
		overridden = true
	}
	if overridden {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	lvl, err := cfg.Logs.LogLevel()
	if err != nil {
		return err
	}
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(lvl)
	return nil
}
