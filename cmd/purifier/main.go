package main

import (
	"fmt"
	"os"

	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	logLevel   string
	noColor    bool
)

var (
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

var rootCmd = &cobra.Command{
	Use:   "purifier",
	Short: "Decompile, purify, recompile and sign Android APKs",
	Long: `purifier strips tracking domains, blocked classes and sensitive permissions
from Android APKs using apktool / jadx, then recompiles and re-signs the result.`,
	Example: `
# Purify a single APK
purifier purify app.apk -o app-clean.apk

# Read-only scan
purifier scan app.apk

# Run the HTTP API, inbox watcher and queue consumer
purifier serve --config configs/config.yaml
  `,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "config file (defaults are used when missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd("purify"),
		newRunCmd("scan"),
		newToolsCmd(),
		newAnalyzeCmd(),
		newSubmitCmd(),
		newVersionCmd(),
	)
}

// loadConfig 配置文件不存在时退回默认配置
func loadConfig() (*config.Config, *logrus.Logger, error) {
	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
	} else {
		cfg = config.Default()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, config.InitLogger(&cfg.Log), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			bold.Printf("APK Purifier %s\n", Version)
			fmt.Printf("Build Time: %s\n", BuildTime)
			fmt.Printf("Git Commit: %s\n", GitCommit)
		},
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
