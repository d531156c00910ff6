// Command ads1100-host samples ADS1100 ADCs attached to a Klipper
// protocol MCU, or to a host I2C bus, and reports their readings.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "ads1100-host"

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "ads1100-host acquires and supervises ADS1100 ADC readings",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	Version: version,
}

var rootOpts = struct {
	ConfigFile string
	Device     string
	Baud       int
	LogLevel   string
	Env        string
}{}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootOpts.ConfigFile, "config-file", "c", "", "JSON config file (default ads1100.json if present)")
	pf.StringVarP(&rootOpts.Device, "device", "d", "", "MCU serial device")
	pf.IntVarP(&rootOpts.Baud, "baud", "b", 0, "MCU serial baud rate")
	pf.StringVarP(&rootOpts.LogLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	pf.StringVar(&rootOpts.Env, "env", "", "environment (dev or prod)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logErr(cmd *cobra.Command, err error) {
	fmt.Fprintf(os.Stderr, "%s %s: %s\n", appName, cmd.Name(), err)
}
