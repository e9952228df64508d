//go:build linux

package qflash

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// See Linux "include/uapi/linux/spi/spidev.h" and
// "Documentation/spi/spidev.rst"

const (
	spiIocWrMode32      = 0x40046b05
	spiIocWrMaxSpeedHz  = 0x40046b04
	spiIocWrBitsPerWord = 0x40016b03

	spiModeTxQuad = 0x200
	spiModeRxQuad = 0x800
)

// spiIocMessage is the ioctl number for n chained transfers.
func spiIocMessage(n int) uint32 {
	const (
		sizeBits  = 14
		sizeShift = 16
	)
	size := uint32(n) * uint32(unsafe.Sizeof(iocTransfer{}))
	if n < 0 || size >= (1<<sizeBits) {
		return spiIocMessage(0)
	}
	return 0x40006b00 | (size << sizeShift)
}

// iocTransfer is the kernel's spi_ioc_transfer layout.
type iocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNBits        uint8
	rxNBits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// spiXfer is one phase of a transaction: either tx or rx, driven on
// nbits lanes. Phases of one call share a chip-select window.
type spiXfer struct {
	tx     []byte
	rx     []byte
	txBits uint8
	rxBits uint8
}

// SpidevEngine implements Engine on a /dev/spidevX.Y character device.
// Unlike SPIEngine it can drive real dual/quad phases: each phase's
// lane count goes to the kernel through the transfer's TxNBits/RxNBits
// fields. Controllers without quad support are detected at Init and
// served through the single-lane fallback opcodes instead.
type SpidevEngine struct {
	f       *os.File
	ev      *Events
	speedHz uint32

	// PollTimeout bounds AutoPollingIT; the default covers a
	// worst-case bulk erase.
	PollTimeout time.Duration

	singleLane bool
	cur        *Command
	busy       atomic.Bool
	lastErr    atomic.Value // errBox
}

// OpenSpidev opens a spidev device node at the given clock speed.
func OpenSpidev(dev string, speedHz uint32) (*SpidevEngine, error) {
	f, err := os.OpenFile(dev, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &SpidevEngine{
		f:           f,
		speedHz:     speedHz,
		PollTimeout: 4 * time.Minute,
	}, nil
}

func (e *SpidevEngine) Close() error { return e.f.Close() }

func (e *SpidevEngine) ioctl(req uint32, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, e.f.Fd(),
		uintptr(req), uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

func (e *SpidevEngine) Init(cfg Config, ev *Events) error {
	if cfg.DualFlash {
		return errors.New("qflash: dual flash not supported")
	}
	e.ev = ev
	e.cur = nil

	// Mode 0 plus quad lane capability; fall back to single lane when
	// the controller rejects the quad bits.
	mode := uint32(cfg.ClockMode) | spiModeTxQuad | spiModeRxQuad
	if err := e.ioctl(spiIocWrMode32, unsafe.Pointer(&mode)); err != nil {
		mode = uint32(cfg.ClockMode)
		if err := e.ioctl(spiIocWrMode32, unsafe.Pointer(&mode)); err != nil {
			return fmt.Errorf("spidev set mode: %w", err)
		}
		e.singleLane = true
	}

	bpw := uint8(8)
	if err := e.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bpw)); err != nil {
		return fmt.Errorf("spidev set bits per word: %w", err)
	}
	if e.speedHz != 0 {
		if err := e.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&e.speedHz)); err != nil {
			return fmt.Errorf("spidev set speed: %w", err)
		}
	}
	return nil
}

func (e *SpidevEngine) Deinit() error {
	e.cur = nil
	return nil
}

// LastError reports the outcome of the most recent interrupt-driven
// transfer, nil if it completed cleanly.
func (e *SpidevEngine) LastError() error {
	if b, ok := e.lastErr.Load().(errBox); ok {
		return b.err
	}
	return nil
}

// message issues chained transfers in one chip-select window. Buffers
// go through an anonymous mapping so the garbage collector cannot move
// them while the kernel holds the pointers.
func (e *SpidevEngine) message(xfers []spiXfer) error {
	bufSize := 0
	for _, x := range xfers {
		bufSize += len(x.tx) + len(x.rx)
	}
	buf, err := unix.Mmap(-1, 0, bufSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	defer unix.Munmap(buf)

	it := make([]iocTransfer, 0, len(xfers))
	off := 0
	for _, x := range xfers {
		t := iocTransfer{
			speedHz: e.speedHz,
			txNBits: x.txBits,
			rxNBits: x.rxBits,
		}
		if len(x.tx) > 0 {
			copy(buf[off:], x.tx)
			t.txBuf = uint64(uintptr(unsafe.Pointer(&buf[off])))
			t.length = uint32(len(x.tx))
			off += len(x.tx)
		}
		if len(x.rx) > 0 {
			t.rxBuf = uint64(uintptr(unsafe.Pointer(&buf[off])))
			t.length = uint32(len(x.rx))
			off += len(x.rx)
		}
		it = append(it, t)
	}

	if err := e.ioctl(spiIocMessage(len(it)), unsafe.Pointer(&it[0])); err != nil {
		return err
	}

	off = 0
	for _, x := range xfers {
		off += len(x.tx)
		copy(x.rx, buf[off:off+len(x.rx)])
		off += len(x.rx)
	}
	return nil
}

// phases splits one command transaction into lane-tagged transfers:
// instruction, address, dummy, then the data phase.
func (e *SpidevEngine) phases(c *Command, data []byte, read bool) []spiXfer {
	if e.singleLane {
		c = fallback(c)
	}

	xfers := []spiXfer{{
		tx:     []byte{c.Instruction},
		txBits: uint8(c.InstructionMode.width()),
	}}

	if c.AddressMode != LinesNone {
		addr := make([]byte, c.AddrSize.bytes())
		for i := range addr {
			addr[i] = byte(c.Address >> (8 * (len(addr) - 1 - i)))
		}
		xfers = append(xfers, spiXfer{
			tx:     addr,
			txBits: uint8(c.AddressMode.width()),
		})
	}

	if n := c.dummyBytes(); n > 0 {
		xfers = append(xfers, spiXfer{
			tx:     make([]byte, n),
			txBits: uint8(c.DataMode.width()),
		})
	}

	if data != nil {
		x := spiXfer{}
		if read {
			x.rx = data
			x.rxBits = uint8(c.DataMode.width())
		} else {
			x.tx = data
			x.txBits = uint8(c.DataMode.width())
		}
		xfers = append(xfers, x)
	}
	return xfers
}

func (e *SpidevEngine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (e *SpidevEngine) release() { e.busy.Store(false) }

func (e *SpidevEngine) command(c *Command) error {
	if c.Length > 0 {
		// Data phase follows in the same CS window; just latch.
		fc := *c
		e.cur = &fc
		return nil
	}
	e.cur = nil
	return e.message(e.phases(c, nil, false))
}

func (e *SpidevEngine) Command(c *Command, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.command(c)
}

func (e *SpidevEngine) CommandIT(c *Command) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.command(c)})
		// Release before signaling so a caller woken by the event can
		// issue the next transaction without hitting ErrBusy.
		e.release()
		e.ev.Cmd.Signal()
	}()
	return nil
}

func (e *SpidevEngine) data(buf []byte, read bool) error {
	c := e.cur
	if c == nil || c.DataMode == LinesNone {
		return errors.New("qflash: no latched command for data phase")
	}
	e.cur = nil
	return e.message(e.phases(c, buf, read))
}

func (e *SpidevEngine) Transmit(buf []byte, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.data(buf, false)
}

func (e *SpidevEngine) TransmitIT(buf []byte) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.data(buf, false)})
		e.release()
		e.ev.Tx.Signal()
	}()
	return nil
}

func (e *SpidevEngine) Receive(buf []byte, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.data(buf, true)
}

func (e *SpidevEngine) ReceiveIT(buf []byte) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.data(buf, true)})
		e.release()
		e.ev.Rx.Signal()
	}()
	return nil
}

func (e *SpidevEngine) autoPoll(c *Command, p *AutoPoll, timeout time.Duration) error {
	n := p.StatusBytes
	if n <= 0 {
		n = 1
	}
	status := make([]byte, n)

	readStatus := func() (byte, error) {
		if err := e.message(e.phases(c, status, true)); err != nil {
			return 0, err
		}
		return status[0], nil
	}

	if st, err := readStatus(); err == nil && st&p.Mask == p.Match {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timer.C:
			return ErrTimeout
		case <-ticker.C:
			st, err := readStatus()
			if err != nil {
				return err
			}
			if st&p.Mask == p.Match {
				return nil
			}
		}
	}
}

func (e *SpidevEngine) AutoPolling(c *Command, p *AutoPoll, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.autoPoll(c, p, timeout)
}

func (e *SpidevEngine) AutoPollingIT(c *Command, p *AutoPoll) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.autoPoll(c, p, e.PollTimeout)})
		e.release()
		e.ev.Cmd.Signal()
	}()
	return nil
}

var _ Engine = (*SpidevEngine)(nil)
