package lpc546xx

import (
	"context"
	"fmt"
	"io"
	"strconv"
)

func (f *Flash) commandEraseSector(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(w, "usage: erase_sector <sector>\n")
		return nil
	}
	sector, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		fmt.Fprintf(w, "usage: erase_sector <sector>\n")
		return nil
	}
	addr := uint32(sector) * f.region.BlockSize
	return f.region.Erase(ctx, addr, 1)
}

// commandWriteSector erases one sector and fills it with the incrementing
// byte pattern, exercising erase and write together.
func (f *Flash) commandWriteSector(ctx context.Context, w io.Writer, args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(w, "usage: write_sector <sector>\n")
		return nil
	}
	sector, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		fmt.Fprintf(w, "usage: write_sector <sector>\n")
		return nil
	}
	sectorAddr := uint32(sector) * f.region.BlockSize

	if err := f.region.Erase(ctx, sectorAddr, 1); err != nil {
		return err
	}
	buf := make([]byte, f.region.BlockSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	return f.region.Write(ctx, sectorAddr, buf)
}

func (f *Flash) commandReadPartID(ctx context.Context, w io.Writer, args []string) error {
	partID, err := f.ReadPartID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "PART ID: 0x%08x\n", partID)
	return nil
}

func (f *Flash) commandReadUID(ctx context.Context, w io.Writer, args []string) error {
	uid, err := f.ReadUID(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "UID: 0x")
	for _, b := range uid {
		fmt.Fprintf(w, "%02x", b)
	}
	fmt.Fprintf(w, "\n")
	return nil
}
