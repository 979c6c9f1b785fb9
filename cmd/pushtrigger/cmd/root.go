package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/pushtrigger/internal/config"
)

var (
	cfgFile    string
	outputJSON bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pushtrigger",
	Short: "Rerun a task whenever a branch is pushed",
	Long: `pushtrigger listens for GitHub push webhooks on a plain TCP port.

When a push lands on the target branch it pulls the workspace, restarts the
configured task and, if a chat webhook URL is set, posts a notification.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pushtrigger.yaml or /etc/pushtrigger/pushtrigger.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	cobra.CheckErr(config.Init(viper.GetViper(), cfgFile))
	if f := viper.ConfigFileUsed(); f != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", f)
	}
}

// loadConfig builds the typed config after flags have been bound
func loadConfig() (config.Config, error) {
	return config.Load(viper.GetViper())
}

// printOutput prints v as indented JSON with --json, or with %+v otherwise
func printOutput(w io.Writer, v any) error {
	if !outputJSON {
		_, err := fmt.Fprintf(w, "%+v\n", v)
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
