package commands

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PeernetOfficial/interconnect"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "icbench",
	Short: "Benchmark and smoke test for the UDP interconnect",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging(logLevel, logFormat)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "TOML config file, defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "panic,fatal,error,warn,info,debug,trace")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "text or json")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(level, format string) {
	if lvl, err := log.ParseLevel(level); err != nil {
		log.WithFields(log.Fields{
			"level":    level,
			"error":    err,
			"provided": "panic,fatal,error,warn,info,debug,trace",
		}).Warn("Failed to set log level. Please select one of the provided ones")
	} else {
		log.SetLevel(lvl)
	}

	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

func loadConfig() (*interconnect.Config, error) {
	if cfgPath == "" {
		return interconnect.DefaultConfig(), nil
	}
	return interconnect.LoadConfig(cfgPath)
}
