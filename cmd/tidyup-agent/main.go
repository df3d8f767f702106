// Package main is the entrypoint for the tidyup agent CLI.
package main

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strings"

	"github.com/MacJediWizard/tidyup/internal/config"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tidyup-agent",
		Short: "tidyup agent - organizes the files on this machine",
		Long: `tidyup-agent scans watched folders, proposes renames, moves and
archives, and applies them once approved. Every applied change can be
rolled back.

Run 'tidyup-agent start' to launch the daemon and its local API, then
'tidyup-agent pair start' to connect it to a control plane.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.tidyup/agent.yml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newStartCmd(),
		newPairCmd(),
		newStatusCmd(),
		newConfigCmd(),
		newRunsCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tidyup agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads the config file named by --config or the default one.
func loadConfig() (*config.AgentConfig, string, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetControlURLCmd(),
		newConfigSetScheduleCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Config file:   %s\n", path)
			fmt.Println()
			if cfg.HasControlPlane() {
				fmt.Printf("Control URL:   %s\n", cfg.ControlURL)
			} else {
				fmt.Println("Control URL:   (not set)")
			}
			fmt.Printf("Device label:  %s\n", cfg.DeviceLabel)
			fmt.Printf("Local API:     http://%s\n", cfg.LocalAddr())
			fmt.Printf("Database:      %s\n", cfg.DBPath)
			fmt.Printf("Vault:         %s\n", cfg.VaultPath)
			if cfg.Schedule != "" {
				fmt.Printf("Schedule:      %s\n", cfg.Schedule)
			}
			fmt.Printf("Stop timeout:  %s\n", cfg.RuntimeStopTimeout)
			return nil
		},
	}
}

func newConfigSetControlURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-control-url <url>",
		Short: "Set the control plane URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controlURL := strings.TrimSuffix(args[0], "/")
			parsed, err := url.Parse(controlURL)
			if err != nil {
				return fmt.Errorf("invalid control URL: %w", err)
			}
			if parsed.Scheme != "http" && parsed.Scheme != "https" {
				return fmt.Errorf("control URL must use http or https scheme")
			}

			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ControlURL = controlURL
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Control URL set to: %s\n", cfg.ControlURL)
			return nil
		},
	}
}

func newConfigSetScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-schedule <cron|off>",
		Short: "Set the cron schedule for automatic cleanup runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}

			cfg.Schedule = args[0]
			if strings.EqualFold(cfg.Schedule, "off") {
				cfg.Schedule = ""
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			if cfg.Schedule == "" {
				fmt.Println("Scheduled cleanups: disabled")
			} else {
				fmt.Printf("Scheduled cleanups: %s\n", cfg.Schedule)
			}
			return nil
		},
	}
}
