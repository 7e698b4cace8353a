package nixmox

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nixmox",
	Short: "Manifest-driven deployment orchestrator for a container fleet",
	Long: `Nixmox reads one declarative manifest describing a fleet of service
containers (identity provider, reverse proxy, database, applications) and
drives the deployment pipeline:
1. Plan - diff the manifest against the recorded deployment state
2. Apply - execute the ordered work items phase by phase, gated on health
3. Status - report what is deployed and its last-known health`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nixmox.yaml)")
	rootCmd.PersistentFlags().String("manifest", "nixmox.yaml", "path to the deployment manifest")
	rootCmd.PersistentFlags().String("state", ".nixmox-state.json", "path to the deployment state document")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringSliceVar(&overrideEnable, "enable", nil, "force-enable services the manifest disabled")
	rootCmd.PersistentFlags().StringSliceVar(&overrideDisable, "disable", nil, "force-disable services for this run")

	viper.BindPFlag("manifest", rootCmd.PersistentFlags().Lookup("manifest"))
	viper.BindPFlag("state", rootCmd.PersistentFlags().Lookup("state"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nixmox")
	}

	viper.SetEnvPrefix("NIXMOX")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	switch viper.GetString("log_level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
