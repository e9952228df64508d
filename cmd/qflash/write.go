package main

import (
	"flag"
	"os"
)

func writeCommand(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		spidev   string
		filename string
		block    uint
		erase    bool
	)
	fs.StringVar(&spidev, "spidev", "", "spidev device path (default: FT2232H)")
	fs.StringVar(&filename, "f", "", "input file")
	fs.UintVar(&block, "b", 0, "start block (page) number")
	fs.BoolVar(&erase, "e", false, "erase the target range first")
	fs.Parse(args)

	if filename == "" {
		fatalUsage("input file is required")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		fatalf("failed to read file: %v", err)
	}

	_, dev, err := openFlash(spidev)
	if err != nil {
		fatalf("%v", err)
	}

	// Pad to whole pages; the driver programs one full page per block.
	pageSize := dev.BlockSize
	if rem := len(data) % pageSize; rem != 0 {
		pad := make([]byte, pageSize-rem)
		for i := range pad {
			pad[i] = dev.EraseByte
		}
		data = append(data, pad...)
	}
	count := uint32(len(data) / pageSize)

	if erase {
		off := int64(block) * int64(pageSize)
		if _, err := dev.EraseRange(off, int64(len(data))); err != nil {
			fatalf("erase flash failed: %v", err)
		}
	}

	if _, err := dev.WriteBlocks(data, uint32(block), count); err != nil {
		fatalf("write flash failed: %v", err)
	}
}
