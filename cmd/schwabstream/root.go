package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/betbot/schwabstream/pkg/config"
	"github.com/betbot/schwabstream/pkg/logger"
)

type rootConfig struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "schwabstream",
		Short:         "Brokerage OAuth, REST and streaming client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "config file (.yaml, .yml or .json); empty uses env only")
	cmd.PersistentFlags().StringVar(&rc.EnvFile, "env-file", ".env", "dotenv file loaded before the config (missing is fine)")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "overrides log.level: debug|info|warn|error")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return rc.load()
	}

	cmd.AddCommand(
		newAuthCmd(rc),
		newAccountsCmd(rc),
		newQuoteCmd(rc),
		newOrderCmd(rc),
		newStreamCmd(rc),
	)
	return cmd
}

func (rc *rootConfig) load() error {
	if rc.EnvFile != "" {
		if err := godotenv.Load(rc.EnvFile); err != nil && !os.IsNotExist(err) {
			logrus.Warnf("load %s: %v", rc.EnvFile, err)
		}
	}
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return err
	}
	if rc.LogLevel != "" {
		cfg.Log.Level = rc.LogLevel
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		JSON:       cfg.Log.JSON,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	rc.cfg = cfg
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
