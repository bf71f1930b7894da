// Command imagefactoryctl is the operator CLI: one-off administrative
// operations against the same store the daemon uses, built as a
// cobra.Command tree the way the octopilot pack member's cmd/op does.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openwrt/imagefactory/internal/config"
	"github.com/openwrt/imagefactory/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "imagefactoryctl",
	Short: "operate an imagefactory-worker deployment",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/imagefactory/config.yaml", "path to YAML configuration")
	rootCmd.AddCommand(gcCmd, queueCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openStore() (*store.Postgres, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "artifact reclamation operations",
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "run one collector cycle immediately (snapshots, customs, manifests, requests)",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, cfg, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		return runCollectorOnce(cmd.Context(), db, cfg)
	},
}

func init() {
	gcCmd.AddCommand(gcRunCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "build queue operations",
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "reset stuck 'building' rows back to 'requested'",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.SweepStuckBuilds(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("reset %d row(s)\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueSweepCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration operations",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the loaded configuration's worker topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("workers: %v\n", cfg.Workers)
		fmt.Printf("updater_dir: %s (threads=%d)\n", cfg.UpdaterDir, cfg.UpdaterThreads)
		fmt.Printf("download_folder: %s\n", cfg.DownloadFolder)
		for name, d := range cfg.Distros {
			fmt.Printf("distro %s: latest=%s versions=%v\n", name, d.Latest, d.VersionList())
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
