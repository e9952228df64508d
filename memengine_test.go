package qflash

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// issued is one recorded bus transaction.
type issued struct {
	instruction byte
	addr        uint32
	length      int
	start, end  time.Time
}

var errInjected = errors.New("injected engine fault")

// memEngine emulates the chip behind the Engine contract: a byte
// array with NOR program semantics (program clears bits, erase sets
// them), a write-enable latch, and a volatile configuration register.
// Every transaction that would touch the bus is recorded with
// timestamps so tests can count commands and check serialization.
type memEngine struct {
	pr *Params
	ev *Events

	mem []byte
	sr  byte
	vcr byte

	cur          *Command
	resetEnabled bool
	resets       int

	// Fault injection: the failAfter'th issue of failInstr is
	// rejected.
	failInstr byte
	failAfter int
	failInit  bool

	// delay widens each transaction's recorded window.
	delay time.Duration

	mu  sync.Mutex
	log []issued
}

func newMemEngine(pr *Params) *memEngine {
	return &memEngine{
		pr:  pr,
		vcr: 0xFB, // chip default: 15 dummy cycles, XIP disabled
	}
}

func (m *memEngine) Init(cfg Config, ev *Events) error {
	if m.failInit {
		return errInjected
	}
	m.ev = ev
	if m.mem == nil {
		m.mem = make([]byte, m.pr.FlashSize)
		for i := range m.mem {
			m.mem[i] = 0xFF
		}
	}
	return nil
}

func (m *memEngine) Deinit() error {
	m.cur = nil
	return nil
}

func (m *memEngine) clearLog() {
	m.mu.Lock()
	m.log = nil
	m.mu.Unlock()
}

func (m *memEngine) count(instruction byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.log {
		if tx.instruction == instruction {
			n++
		}
	}
	return n
}

func (m *memEngine) transactions() []issued {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]issued(nil), m.log...)
}

func (m *memEngine) record(instruction byte, addr uint32, length int) {
	start := time.Now()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	end := time.Now()
	m.mu.Lock()
	m.log = append(m.log, issued{instruction, addr, length, start, end})
	m.mu.Unlock()
}

func (m *memEngine) shouldFail(instruction byte) error {
	if m.failInstr == 0 || instruction != m.failInstr {
		return nil
	}
	if m.failAfter == 0 {
		return errInjected
	}
	m.failAfter--
	return nil
}

func (m *memEngine) command(c *Command) error {
	if err := m.shouldFail(c.Instruction); err != nil {
		return err
	}
	if c.Length > 0 {
		cc := *c
		m.cur = &cc
		return nil
	}
	m.record(c.Instruction, c.Address, 0)
	return m.control(c)
}

func (m *memEngine) control(c *Command) error {
	pr := m.pr
	switch c.Instruction {
	case pr.CmdWriteEnable:
		m.sr |= pr.SRWREN
	case pr.CmdResetEnable:
		m.resetEnabled = true
	case pr.CmdResetMemory:
		if !m.resetEnabled {
			return errors.New("memengine: reset without reset enable")
		}
		m.resetEnabled = false
		m.resets++
	case pr.CmdSubsectorErase:
		return m.eraseUnit(c.Address, pr.SubsectorSize)
	case pr.CmdSectorErase:
		return m.eraseUnit(c.Address, pr.SectorSize)
	case pr.CmdBulkErase:
		return m.eraseUnit(0, int(pr.FlashSize))
	default:
		return fmt.Errorf("memengine: unexpected control command %#02x", c.Instruction)
	}
	return nil
}

// eraseUnit sets every byte of the unit containing addr. The chip
// aligns internally, so any address inside the unit is acceptable.
func (m *memEngine) eraseUnit(addr uint32, size int) error {
	if m.sr&m.pr.SRWREN == 0 {
		return errors.New("memengine: erase without write enable")
	}
	base := int(addr) / size * size
	for i := base; i < base+size; i++ {
		m.mem[i] = 0xFF
	}
	m.sr &^= m.pr.SRWREN
	return nil
}

func (m *memEngine) transmit(buf []byte) error {
	c := m.cur
	m.cur = nil
	if c == nil || c.DataMode == LinesNone {
		return errors.New("memengine: no latched command for transmit")
	}
	m.record(c.Instruction, c.Address, len(buf))

	switch c.Instruction {
	case m.pr.CmdWriteVolCfg:
		m.vcr = buf[0]
		m.sr &^= m.pr.SRWREN // WEL self-clears when a write-register op completes
	case m.pr.CmdQuadPageProg:
		if m.sr&m.pr.SRWREN == 0 {
			return errors.New("memengine: program without write enable")
		}
		for i, b := range buf {
			m.mem[int(c.Address)+i] &= b // NOR program only clears bits
		}
		m.sr &^= m.pr.SRWREN
	default:
		return fmt.Errorf("memengine: unexpected transmit command %#02x", c.Instruction)
	}
	return nil
}

func (m *memEngine) receive(buf []byte) error {
	c := m.cur
	m.cur = nil
	if c == nil || c.DataMode == LinesNone {
		return errors.New("memengine: no latched command for receive")
	}
	m.record(c.Instruction, c.Address, len(buf))

	switch c.Instruction {
	case m.pr.CmdReadVolCfg:
		buf[0] = m.vcr
	case m.pr.CmdReadStatus:
		buf[0] = m.sr
	case m.pr.CmdReadID:
		copy(buf, m.pr.ID[:])
	case m.pr.CmdQuadRead:
		copy(buf, m.mem[c.Address:])
	default:
		return fmt.Errorf("memengine: unexpected receive command %#02x", c.Instruction)
	}
	return nil
}

func (m *memEngine) Command(c *Command, timeout time.Duration) error {
	return m.command(c)
}

func (m *memEngine) CommandIT(c *Command) error {
	if err := m.command(c); err != nil {
		return err // rejected issue: the completion signal never fires
	}
	m.ev.Cmd.Signal()
	return nil
}

func (m *memEngine) Transmit(buf []byte, timeout time.Duration) error {
	return m.transmit(buf)
}

func (m *memEngine) TransmitIT(buf []byte) error {
	if err := m.transmit(buf); err != nil {
		return err
	}
	m.ev.Tx.Signal()
	return nil
}

func (m *memEngine) Receive(buf []byte, timeout time.Duration) error {
	return m.receive(buf)
}

func (m *memEngine) ReceiveIT(buf []byte) error {
	if err := m.receive(buf); err != nil {
		return err
	}
	m.ev.Rx.Signal()
	return nil
}

func (m *memEngine) poll(c *Command, p *AutoPoll) error {
	if err := m.shouldFail(c.Instruction); err != nil {
		return err
	}
	m.record(c.Instruction, 0, 1)
	// Transactions complete synchronously here, so the status matches
	// on the first check or never will.
	if m.sr&p.Mask != p.Match {
		return ErrTimeout
	}
	return nil
}

func (m *memEngine) AutoPolling(c *Command, p *AutoPoll, timeout time.Duration) error {
	return m.poll(c, p)
}

func (m *memEngine) AutoPollingIT(c *Command, p *AutoPoll) error {
	if err := m.poll(c, p); err != nil {
		return err
	}
	m.ev.Cmd.Signal()
	return nil
}

var _ Engine = (*memEngine)(nil)
