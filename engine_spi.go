package qflash

import (
	"errors"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// spiFallbacks maps quad-phase opcodes to the chip's single-line
// equivalents. A plain SPI master (FT2232H MPSSE, most spidev
// controllers without quad support) only drives one data lane, so the
// quad commands cannot go out as encoded; the chip offers 1-line
// commands with the same effect. [N25Q128A|Table 19]
var spiFallbacks = map[byte]struct {
	instruction byte
	dummyCycles uint8
}{
	0xEB: {0x0B, 8}, // quad in/out fast read -> fast read
	0x12: {0x02, 0}, // ext quad in fast program -> page program
}

// SPIEngine implements Engine on a single-lane SPI connection with an
// explicit chip-select pin, the way the FT2232H MPSSE exposes the bus.
// A transaction with a data phase goes out in one chip-select window,
// so Command with a nonzero Length only latches the descriptor and the
// following Transmit/Receive performs the wire transfer.
//
// Config clock/FIFO fields describe a memory-mapped QSPI controller
// and have no MPSSE counterpart; the SPI clock is fixed when the
// caller connects the port.
type SPIEngine struct {
	conn spi.Conn
	cs   gpio.PinIO
	ev   *Events

	// PollTimeout bounds AutoPollingIT, which has no caller-side
	// timeout. The default covers a worst-case bulk erase.
	PollTimeout time.Duration

	cur     *Command
	busy    atomic.Bool
	lastErr atomic.Value // errBox from the most recent async transfer
}

type errBox struct{ err error }

func NewSPIEngine(conn spi.Conn, cs gpio.PinIO) *SPIEngine {
	return &SPIEngine{
		conn:        conn,
		cs:          cs,
		PollTimeout: 4 * time.Minute,
	}
}

func (e *SPIEngine) Init(cfg Config, ev *Events) error {
	if cfg.DualFlash {
		return errors.New("qflash: dual flash not supported")
	}
	e.ev = ev
	e.cur = nil
	return e.cs.Out(gpio.High)
}

func (e *SPIEngine) Deinit() error {
	e.cur = nil
	if e.cs == nil {
		return nil
	}
	return e.cs.Out(gpio.High)
}

// LastError reports the outcome of the most recent interrupt-driven
// transfer, nil if it completed cleanly.
func (e *SPIEngine) LastError() error {
	if b, ok := e.lastErr.Load().(errBox); ok {
		return b.err
	}
	return nil
}

// tx wraps one full-duplex transfer with CS assertion.
func (e *SPIEngine) tx(w, r []byte) (err error) {
	if err = e.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := e.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return e.conn.Tx(w, r)
}

// fallback rewrites quad phases for the single-lane wire.
func fallback(c *Command) *Command {
	fc := *c
	if alt, ok := spiFallbacks[fc.Instruction]; ok {
		fc.Instruction = alt.instruction
		fc.DummyCycles = alt.dummyCycles
	}
	if fc.AddressMode == Lines2 || fc.AddressMode == Lines4 {
		fc.AddressMode = Lines1
	}
	if fc.DataMode == Lines2 || fc.DataMode == Lines4 {
		fc.DataMode = Lines1
	}
	return &fc
}

func (e *SPIEngine) acquire() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (e *SPIEngine) release() { e.busy.Store(false) }

func (e *SPIEngine) command(c *Command) error {
	fc := fallback(c)
	if fc.Length > 0 {
		// Data phase follows in the same CS window; just latch.
		e.cur = fc
		return nil
	}
	e.cur = nil
	buf := fc.encode()
	return e.tx(buf, buf)
}

func (e *SPIEngine) Command(c *Command, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.command(c)
}

func (e *SPIEngine) CommandIT(c *Command) error {
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

func (e *SPIEngine) transmit(buf []byte) error {
	c := e.cur
	if c == nil || c.DataMode == LinesNone {
		return errors.New("qflash: no latched command for transmit")
	}
	e.cur = nil
	frame := append(c.encode(), buf...)
	return e.tx(frame, frame)
}

func (e *SPIEngine) Transmit(buf []byte, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.transmit(buf)
}

func (e *SPIEngine) TransmitIT(buf []byte) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.transmit(buf)})
		e.release()
		e.ev.Tx.Signal()
	}()
	return nil
}

func (e *SPIEngine) receive(buf []byte) error {
	c := e.cur
	if c == nil || c.DataMode == LinesNone {
		return errors.New("qflash: no latched command for receive")
	}
	e.cur = nil
	header := c.encode()
	frame := make([]byte, len(header)+len(buf))
	copy(frame, header)
	if err := e.tx(frame, frame); err != nil {
		return err
	}
	copy(buf, frame[len(header):])
	return nil
}

func (e *SPIEngine) Receive(buf []byte, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.receive(buf)
}

func (e *SPIEngine) ReceiveIT(buf []byte) error {
	if err := e.acquire(); err != nil {
		return err
	}
	go func() {
		e.lastErr.Store(errBox{e.receive(buf)})
		e.release()
		e.ev.Rx.Signal()
	}()
	return nil
}

// readStatus performs one status-style read for the polling loop.
func (e *SPIEngine) readStatus(c *Command, n int) (byte, error) {
	header := fallback(c).encode()
	frame := make([]byte, len(header)+n)
	copy(frame, header)
	if err := e.tx(frame, frame); err != nil {
		return 0, err
	}
	return frame[len(header)], nil
}

func (e *SPIEngine) autoPoll(c *Command, p *AutoPoll, timeout time.Duration) error {
	n := p.StatusBytes
	if n <= 0 {
		n = 1
	}

	// Fast path.
	if st, err := e.readStatus(c, n); err == nil && st&p.Mask == p.Match {
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
			st, err := e.readStatus(c, n)
			if err != nil {
				return err
			}
			if st&p.Mask == p.Match {
				return nil
			}
		}
	}
}

// pollInterval is how often the software poll rereads the status
// register. The AutoPoll.Interval field counts controller bus cycles
// and does not translate to a lane-level poll.
const pollInterval = 100 * time.Microsecond

func (e *SPIEngine) AutoPolling(c *Command, p *AutoPoll, timeout time.Duration) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()
	return e.autoPoll(c, p, timeout)
}

func (e *SPIEngine) AutoPollingIT(c *Command, p *AutoPoll) error {
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

var _ Engine = (*SPIEngine)(nil)
