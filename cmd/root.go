package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/config"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "llm-factory",
	Short: "Resumable batch enrichment of datasets through an LLM",
	Long:  "Expands dataset records into prompts, calls the model in bounded parallel batches, extracts fields from the replies and appends each finished batch to a resumable output log.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyLogFlags(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "config file (default ./config.yaml when present)")
	f.String("log-level", "", "log level override (debug, info, warn, error)")
	f.String("log-format", "", "log format override (json, console)")
}

// applyLogFlags overrides the log section with flags set on the command line.
func applyLogFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("log-level") {
		c.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		c.Log.Format, _ = f.GetString("log-format")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
