package main

import (
	"errors"
	"fmt"

	"github.com/gentam/qflash"
	"github.com/gentam/qflash/bio"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// openFlash brings up an engine, initializes the driver, and looks up
// the registered block device. With an empty spidev path the FT2232H
// MPSSE adapter is used.
func openFlash(spidev string) (*qflash.Flash, *bio.Device, error) {
	var (
		eng qflash.Engine
		err error
	)
	if spidev != "" {
		eng, err = openSpidevEngine(spidev)
	} else {
		eng, err = openFTDIEngine()
	}
	if err != nil {
		return nil, nil, err
	}

	f := qflash.New(eng, &qflash.N25Q128A)
	if err := f.Init(); err != nil {
		return nil, nil, fmt.Errorf("flash init failed: %w", err)
	}

	dev, err := bio.Open(qflash.DeviceName)
	if err != nil {
		return nil, nil, err
	}
	return f, dev, nil
}

func openFTDIEngine() (qflash.Engine, error) {
	ft, err := openFT2232H()
	if err != nil {
		return nil, fmt.Errorf("failed to open FT2232H device: %w", err)
	}

	sp, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}

	const clk = 30 * physic.MegaHertz // [FTDI-AN_135 3.2.1 Divisors]
	mode := spi.Mode0                 // Mode0 and Mode3 are supported [N25Q128A|Table 4]
	conn, err := sp.Connect(clk, mode, 8)
	if err != nil {
		return nil, err
	}

	cs := ft.D4 // ADBUS4 (GPIOLO -> CS)
	if err := cs.Out(gpio.High); err != nil {
		return nil, err
	}

	return qflash.NewSPIEngine(conn, cs), nil
}

func openFT2232H() (*ftdi.FT232H, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host initialization failed: %w", err)
	}

	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("not found")
}
