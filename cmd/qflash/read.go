package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func readCommand(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		spidev  string
		addr    int64
		nread   int
		outFile string
	)
	fs.StringVar(&spidev, "spidev", "", "spidev device path (default: FT2232H)")
	fs.Int64Var(&addr, "a", 0, "start address")
	fs.IntVar(&nread, "n", 256, "number of bytes to read")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	_, dev, err := openFlash(spidev)
	if err != nil {
		fatalf("%v", err)
	}

	buf := make([]byte, nread)
	n, err := dev.ReadAt(buf, addr)
	if err != nil {
		fatalf("read flash failed: %v", err)
	}
	buf = buf[:n]

	if outFile == "" {
		fmt.Println(hex.Dump(buf))
		return
	}
	if err := os.WriteFile(outFile, buf, 0644); err != nil {
		fatalf("write file failed: %v", err)
	}
}
