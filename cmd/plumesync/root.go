package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/plumenote/plumesync/internal/sd"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "plumesync",
	Short: "Local-first note storage and multi-device sync engine",
	Long: `plumesync manages a sync directory of collaboratively-edited notes.

Notes are stored as append-only CRDT logs, one file per device, so devices
sharing the directory (typically through a cloud-synced folder) never write
to the same file. Snapshots bound replay cost, an activity feed tells other
devices that something changed, and a background daemon reconciles remote
edits into the local cache.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.config/plumesync/config.yaml)")
	rootCmd.PersistentFlags().String("sync-dir", "", "sync directory root")
	rootCmd.PersistentFlags().String("state-dir", "", "local state directory (instance identity, metadata cache)")
	rootCmd.PersistentFlags().String("profile", "default", "user profile")

	_ = viper.BindPFlag("sync_dir", rootCmd.PersistentFlags().Lookup("sync-dir"))
	_ = viper.BindPFlag("state_dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))

	viper.SetDefault("tick_interval", "2s")
	viper.SetDefault("fast_path_timeout", "15s")
	viper.SetDefault("full_repoll_interval", "30m")
	viper.SetDefault("stale_gap", 50)
	viper.SetDefault("snapshot_quiesce", "2s")
	viper.SetDefault("snapshot_pending", 32)
	viper.SetDefault("dashboard_port", 7457)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "plumesync"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PLUMESYNC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// stateDir resolves the local state directory.
func stateDir() (string, error) {
	if dir := viper.GetString("state_dir"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine state directory: %w", err)
	}
	return filepath.Join(base, "plumesync"), nil
}

// openSD opens the configured sync directory.
func openSD() (*sd.SD, error) {
	root := viper.GetString("sync_dir")
	if root == "" {
		return nil, fmt.Errorf("no sync directory configured (use --sync-dir)")
	}
	return sd.Open(root)
}

// fail prints the error and exits, matching the CLI's error convention.
func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
