package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/pushtrigger/internal/config"
	"github.com/austindbirch/pushtrigger/internal/notify"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect pushtrigger configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the resolved configuration",
	Long: `Display the configuration after defaults, the config file and
PUSHTRIGGER_* environment variables have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg, viper.ConfigFileUsed())
	},
}

// configValidateCmd represents the config validate command
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the configuration loads",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configValidateCmd)
}

// redacted hides everything but the host of the chat webhook URL; the path
// carries the webhook token
func redacted(cfg config.Config) config.Config {
	if cfg.Trigger.NotificationURL != "" {
		cfg.Trigger.NotificationURL = "https://" + notify.Host(cfg.Trigger.NotificationURL) + "/…"
	}
	if cfg.Journal.DSN != "" {
		cfg.Journal.DSN = "(set)"
	}
	return cfg
}

func writeConfig(w io.Writer, cfg config.Config, file string) error {
	cfg = redacted(cfg)
	if outputJSON {
		return printOutput(w, cfg)
	}

	fmt.Fprintln(w, "Current configuration:")
	fmt.Fprintf(w, "  Task: %s\n", cfg.Trigger.TaskName)
	fmt.Fprintf(w, "  Branch: %s\n", cfg.Trigger.Branch)
	fmt.Fprintf(w, "  Listen port: %d\n", cfg.Server.Port)
	if cfg.Trigger.NotificationURL != "" {
		fmt.Fprintf(w, "  Notifications: %s\n", cfg.Trigger.NotificationURL)
	} else {
		fmt.Fprintln(w, "  Notifications: disabled")
	}
	fmt.Fprintf(w, "  Workspaces: %s\n", strings.Join(cfg.Runner.Workspaces, ", "))

	names := make([]string, 0, len(cfg.Runner.Tasks))
	for name := range cfg.Runner.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "  Tasks: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(w, "  Admin HTTP: %s\n", cfg.Admin.HTTPAddr)
	fmt.Fprintf(w, "  Journal: %s\n", enabled(cfg.Journal.DSN != ""))
	fmt.Fprintf(w, "  NSQ fan-out: %s\n", enabled(cfg.NSQ.NsqdTCPAddr != ""))

	if file != "" {
		fmt.Fprintf(w, "  Config file: %s\n", file)
	} else {
		fmt.Fprintln(w, "  Config file: none (using defaults)")
	}
	return nil
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
