package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/via/blackmagic/image"
	"github.com/via/blackmagic/target"
)

// flashCmd represents the flash command
var flashCmd = &cobra.Command{
	Use:   "flash <file>",
	Short: "Erase and program a firmware image",
	Long: `Erase the flash range covered by the image and program it. Files
ending in .hex or .ihex carry their own load address; flat binaries load at
--address, defaulting to the first flash region.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, t, err := connect(cmd)
		if err != nil {
			return err
		}
		defer func() { t.Detach(); _ = probe.Close() }()

		base, err := loadAddress(cmd, t)
		if err != nil {
			return err
		}
		img, err := image.Load(args[0], base)
		if err != nil {
			return err
		}

		fmt.Printf("Programming %d bytes at 0x%08X (%s)\n", len(img.Data), img.Base, t.Driver)
		if err := t.Erase(cmd.Context(), img.Base, uint32(len(img.Data))); err != nil {
			return fmt.Errorf("erase failed: %w", err)
		}
		if err := t.Write(cmd.Context(), img.Base, img.Data); err != nil {
			return fmt.Errorf("program failed: %w", err)
		}
		fmt.Println("Done")
		return nil
	},
}

// loadAddress resolves the base address for flat binary images: --address
// when given, otherwise the start of the lowest flash region.
func loadAddress(cmd *cobra.Command, t *target.Target) (uint32, error) {
	if s, _ := cmd.Flags().GetString("address"); s != "" {
		addr, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid load address %q: %w", s, err)
		}
		return uint32(addr), nil
	}
	regions := t.Flash()
	if len(regions) == 0 {
		return 0, fmt.Errorf("driver %q registered no flash regions", t.Driver)
	}
	return regions[0].Start, nil
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringP("address", "a", "", "Load address for flat binary images")
}
