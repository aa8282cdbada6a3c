package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the attached device and print its memory map",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, t, err := connect(cmd)
		if err != nil {
			return err
		}
		defer func() { t.Detach(); _ = probe.Close() }()

		fmt.Printf("Driver:  %s\n", t.Driver)
		fmt.Printf("Part ID: 0x%08X\n", t.PartID)
		if t.Protected {
			fmt.Println("Device is read protected; only mass-erase is available")
		}
		for _, f := range t.Flash() {
			fmt.Printf("Flash:   0x%08X + 0x%06X (erase block 0x%X, write unit 0x%X)\n",
				f.Start, f.Length, f.BlockSize, f.WriteSize)
		}
		for _, r := range t.RAM() {
			fmt.Printf("RAM:     0x%08X + 0x%06X\n", r.Start, r.Length)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
