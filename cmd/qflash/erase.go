package main

import (
	"flag"
	"fmt"
)

func eraseCommand(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var (
		spidev string
		addr   int64
		length int64
		all    bool
	)
	fs.StringVar(&spidev, "spidev", "", "spidev device path (default: FT2232H)")
	fs.Int64Var(&addr, "a", 0, "start address")
	fs.Int64Var(&length, "n", 0, "number of bytes to erase")
	fs.BoolVar(&all, "all", false, "bulk erase the entire flash")
	fs.Parse(args)

	if !all && length <= 0 {
		fatalUsage("byte count (-n) or -all is required")
	}

	_, dev, err := openFlash(spidev)
	if err != nil {
		fatalf("%v", err)
	}

	if all {
		addr = 0
		length = dev.Size()
	}

	erased, err := dev.EraseRange(addr, length)
	if err != nil {
		fatalf("erase flash failed after %d bytes: %v", erased, err)
	}
	fmt.Printf("erased %d bytes at %#x\n", erased, addr)
}
