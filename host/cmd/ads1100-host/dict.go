package main

import (
	"github.com/spf13/cobra"

	"ads1100host/host/mcu"
)

func init() {
	rootCmd.AddCommand(dictCmd)
}

var dictCmd = &cobra.Command{
	Use:   "dict",
	Short: "Print the MCU command dictionary",
	RunE:  runDict,
}

func runDict(cmd *cobra.Command, args []string) error {
	ac, logger, err := setup(cmd)
	if err != nil {
		logErr(cmd, err)
		return err
	}
	m := mcu.NewMCU(mcu.WithLogger(logger))
	if err := m.ConnectWithConfig(&ac.Serial); err != nil {
		logErr(cmd, err)
		return err
	}
	defer m.Close()

	if err := m.RetrieveDictionary(); err != nil {
		logErr(cmd, err)
		return err
	}
	d, err := m.Dictionary()
	if err != nil {
		return err
	}
	d.Summary(cmd.OutOrStdout())
	return nil
}
