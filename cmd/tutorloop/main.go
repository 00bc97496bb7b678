package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutorloop/tutorloop/pkg/config"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile string

	rootCmd = &cobra.Command{
		Use:   "tutorloop",
		Short: "Operational tooling for the tutoring session checkpoint store",
		Long: `Tutorloop persists tutoring session checkpoints across a fast local
cache and a durable remote store. This CLI inspects and manages that
persisted state.`,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", getEnv("TUTORLOOP_CONFIG", ""), "Configuration file")
	rootCmd.AddCommand(inspectCmd, liveCmd, clearCmd, metricsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, falling back to in-memory defaults.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tutorloop version",
	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("tutorloop v%s", Version)
	},
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
