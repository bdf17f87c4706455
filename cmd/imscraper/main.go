package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/config"
	"github.com/cwygoda/imscraper/internal/logging"
)

var (
	configPath string
	logJSON    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "imscraper",
	Short: "Collect SEO metrics for lists of domains",
	Long: `imscraper queries Ahrefs, Majestic and DataForSEO for each domain in a
list, checks the domain directly, and writes one spreadsheet row per domain.

Examples:
  imscraper serve                                  # HTTP intake and background worker
  imscraper scan -d domains.txt -o results.xlsx    # one-shot run from the terminal`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and lets persistent flags win over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(configPath, required)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	log, err := logging.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logger")
	}
	return log, nil
}
