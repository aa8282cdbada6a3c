package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor [command [args...]]",
	Short: "Run a driver monitor command",
	Long: `Run one of the driver-specific monitor commands, such as "option"
or "eeprom" on STM32L parts and "read_uid" or "reset_attach" on LPC546xx.
Without arguments the available commands are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, t, err := connect(cmd)
		if err != nil {
			return err
		}
		defer func() { t.Detach(); _ = probe.Close() }()

		if len(args) == 0 {
			for _, c := range t.Commands() {
				fmt.Printf("%-14s %s\n", c.Name, c.Help)
			}
			return nil
		}
		return t.RunCommand(cmd.Context(), os.Stdout, args[0], args[1:])
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
