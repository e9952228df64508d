package qflash

// LineMode is the number of bus lines a command phase is driven on.
type LineMode uint8

const (
	LinesNone LineMode = iota // phase absent
	Lines1
	Lines2
	Lines4
)

// width returns the lane count, or 0 for an absent phase.
func (m LineMode) width() int {
	switch m {
	case Lines1:
		return 1
	case Lines2:
		return 2
	case Lines4:
		return 4
	}
	return 0
}

// AddrSize selects the address phase width in bits.
type AddrSize uint8

const (
	Addr8 AddrSize = iota
	Addr16
	Addr24
	Addr32
)

func (s AddrSize) bytes() int { return int(s) + 1 }

// Command describes one bus transaction: instruction, optional address
// and dummy phase, and the length of a following data phase. Built on
// the stack per transaction; never retained by the engine past the
// transaction it latches.
type Command struct {
	Instruction     byte
	InstructionMode LineMode
	Address         uint32
	AddressMode     LineMode
	AddrSize        AddrSize
	DataMode        LineMode
	DummyCycles     uint8
	Length          int
}

// dummyBytes converts the dummy-cycle count to whole bus bytes at the
// data phase's lane width.
func (c *Command) dummyBytes() int {
	w := c.DataMode.width()
	if w == 0 || c.DummyCycles == 0 {
		return 0
	}
	return int(c.DummyCycles) * w / 8
}

// encode renders the instruction/address/dummy phases as raw wire
// bytes for single-lane engines. Addresses go out most significant
// byte first, as the chip expects.
func (c *Command) encode() []byte {
	buf := make([]byte, 0, 1+4+c.dummyBytes())
	buf = append(buf, c.Instruction)
	if c.AddressMode != LinesNone {
		for i := c.AddrSize.bytes() - 1; i >= 0; i-- {
			buf = append(buf, byte(c.Address>>(8*i)))
		}
	}
	for i := 0; i < c.dummyBytes(); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// AutoPoll configures engine-side status polling: the engine reads
// StatusBytes bytes with the latched command until (status & Mask) ==
// Match, checking every Interval bus cycles.
type AutoPoll struct {
	Match       byte
	Mask        byte
	Interval    uint
	StatusBytes int
}
