package main

import (
	"github.com/gentam/qflash"
)

func openSpidevEngine(dev string) (qflash.Engine, error) {
	const speedHz = 30_000_000
	return qflash.OpenSpidev(dev, speedHz)
}
