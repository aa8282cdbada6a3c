package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// eraseCmd represents the erase command
var eraseCmd = &cobra.Command{
	Use:   "erase <address> <length>",
	Short: "Erase a flash range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", args[0], err)
		}
		length, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("invalid length %q: %w", args[1], err)
		}

		probe, t, err := connect(cmd)
		if err != nil {
			return err
		}
		defer func() { t.Detach(); _ = probe.Close() }()

		return t.Erase(cmd.Context(), uint32(addr), uint32(length))
	},
}

// massEraseCmd represents the mass-erase command
var massEraseCmd = &cobra.Command{
	Use:   "mass-erase",
	Short: "Erase the whole device",
	Long: `Erase every flash region of the device. On a read-protected part
this wipes the option bytes to lift the protection, which also erases all
flash contents; re-run device identification afterwards.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, t, err := connect(cmd)
		if err != nil {
			return err
		}
		defer func() { t.Detach(); _ = probe.Close() }()

		if err := t.MassErase(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Mass erase complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	rootCmd.AddCommand(massEraseCmd)
}
