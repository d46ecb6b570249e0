package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/echolistener/internal/config"
)

var configInitOpts struct {
	overwrite bool
}

var configShowOpts struct {
	output string
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default configuration file",
	Annotations: map[string]string{skipConfigLoad: "true"},
	RunE:        runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env files and
environment variables have been applied. The password is masked.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVar(&configInitOpts.overwrite, "overwrite", false,
		"Overwrite an existing configuration file")
	configShowCmd.Flags().StringVarP(&configShowOpts.output, "output", "o", outputTOML,
		"Output format: toml, json, yaml")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	target := configPath()

	if !configInitOpts.overwrite {
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("check config path: %w", err)
		}
	}

	if err := config.DefaultConfig().Save(target); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote default configuration to %s\n", target)
	fmt.Fprintln(out, "Set the [server] section (or ECHO_* environment variables) before running listen.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if err := checkOutput(configShowOpts.output, outputTOML, outputJSON, outputYAML); err != nil {
		return err
	}

	redacted := cfg.Redacted()
	switch configShowOpts.output {
	case outputJSON:
		return writeJSON(cmd, redacted)
	case outputYAML:
		return writeYAML(cmd, redacted)
	}

	data, err := toml.Marshal(redacted)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
