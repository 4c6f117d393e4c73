// Command asi talks to the ASI model and answers questions over local documents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"asi-llm/internal/config"
)

// rootFlags override configuration values for a single invocation.
type rootFlags struct {
	configPath string
	apiKey     string
	model      string
	apiBase    string
	logLevel   string
}

func main() {
	root, closeLogs := newRootCmd()
	err := root.ExecuteContext(context.Background())
	closeLogs()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The returned func closes log files
// opened by the command; it must run after Execute whether or not it failed.
func newRootCmd() (*cobra.Command, func()) {
	flags := &rootFlags{}
	var cfg *config.Config
	var logCleanup func()

	root := &cobra.Command{
		Use:          "asi",
		Short:        "ASI model client, document query engine and MCP server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath != "" {
				os.Setenv(config.EnvConfigPath, flags.configPath)
			}

			// Load configuration first
			var err error
			cfg, err = config.LoadConfig()
			if err != nil {
				return err
			}
			flags.apply(cfg)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			logger, cleanup := setupLogger(cfg)
			logCleanup = cleanup
			slog.SetDefault(logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")
	pf.StringVar(&flags.apiKey, "api-key", "", "ASI API key (default $ASI_API_KEY)")
	pf.StringVar(&flags.model, "model", "", "model name (default asi1-mini)")
	pf.StringVar(&flags.apiBase, "api-base", "", "API base URL (default https://api.asi1.ai/v1)")
	pf.StringVar(&flags.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(
		newCompleteCmd(cfgFn),
		newChatCmd(cfgFn),
		newIndexCmd(cfgFn),
		newQueryCmd(cfgFn),
		newAgentCmd(cfgFn),
		newServeCmd(cfgFn),
		newMCPCmd(cfgFn),
	)
	closeLogs := func() {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	}
	return root, closeLogs
}

func (f *rootFlags) apply(cfg *config.Config) {
	if f.apiKey != "" {
		cfg.LLM.APIKey = f.apiKey
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.apiBase != "" {
		cfg.LLM.APIBase = f.apiBase
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}
