//go:build !linux

package main

import (
	"errors"

	"github.com/gentam/qflash"
)

func openSpidevEngine(dev string) (qflash.Engine, error) {
	return nil, errors.New("spidev is only available on linux")
}
