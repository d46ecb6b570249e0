package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/echolistener/internal/audio"
)

var devicesOpts struct {
	reload bool
	output string
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio output devices",
	Long: `List the output devices the device backend can play on.

The index or name shown here can be used for audio.device, for routing
entries and for play --device. Names also match by case-insensitive
substring.

Examples:
  # Show devices as a table
  echolistener devices

  # Pick up a device plugged in after startup, as JSON
  echolistener devices --reload --output json`,
	Annotations: map[string]string{skipConfigLoad: "true"},
	RunE:        runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().BoolVar(&devicesOpts.reload, "reload", false,
		"Re-scan the host audio system before listing")
	devicesCmd.Flags().StringVarP(&devicesOpts.output, "output", "o", outputTable,
		"Output format: table, json, yaml")
}

func runDevices(cmd *cobra.Command, args []string) error {
	if err := checkOutput(devicesOpts.output, outputTable, outputJSON, outputYAML); err != nil {
		return err
	}

	enum := audio.NewEnumerator(logger)
	defer func() { _ = enum.Close() }()

	var devices []audio.Device
	var err error
	if devicesOpts.reload {
		devices, err = enum.Reload()
	} else {
		devices, err = enum.List()
	}
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	switch devicesOpts.output {
	case outputJSON:
		return writeJSON(cmd, devices)
	case outputYAML:
		return writeYAML(cmd, devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No output devices found")
		return nil
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		def := ""
		if d.IsDefault {
			def = "*"
		}
		rows = append(rows, []string{
			strconv.Itoa(d.Index),
			d.Name,
			d.HostAPI,
			strconv.Itoa(d.MaxOutputChannels),
			strconv.FormatFloat(d.DefaultSampleRate, 'f', 0, 64),
			def,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"#", "Name", "Host API", "Channels", "Rate", "Default"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	return nil
}
