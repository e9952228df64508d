package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gentam/qflash"
)

var knownFlashIDs = map[[3]byte]string{
	qflash.N25Q128A.ID: "Micron N25Q128A",
	{0x20, 0xBA, 0x16}: "Micron N25Q032",
	{0xEF, 0x70, 0x18}: "Winbond W25Q128JVIM",
}

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var spidev string
	fs.StringVar(&spidev, "spidev", "", "spidev device path (default: FT2232H)")
	fs.Parse(args)

	f, dev, err := openFlash(spidev)
	if err != nil {
		fatalf("%v", err)
	}

	id, err := f.ReadID()
	if err != nil {
		fatalf("read flash ID failed: %v", err)
	}
	name := knownFlashIDs[id]
	if name == "" {
		fmt.Fprintf(os.Stderr, "unknown flash ID (%X)\n", id)
		name = "unknown"
	}

	sr, err := f.ReadStatus()
	if err != nil {
		fatalf("read status register failed: %v", err)
	}

	fmt.Printf("Device:      %s\n", dev.Name)
	fmt.Printf("Chip:        %s (JEDEC %X)\n", name, id)
	fmt.Printf("Size:        %d bytes\n", dev.Size())
	fmt.Printf("Page size:   %d bytes\n", dev.BlockSize)
	fmt.Printf("Erase unit:  %d bytes\n", dev.Geometry.EraseSize)
	fmt.Printf("Erase byte:  %#02x\n", dev.EraseByte)
	fmt.Printf("Status:      %v\n", sr)
}
