package qflash

import "fmt"

// Params is the chip-specific parameter table: geometry, command
// opcodes, and status/configuration register layout.
//
// Opcode references:
//   - [N25Q128A|Table 19: Command Set]
//   - [W25Q128|8.1.2 Instruction Set Table 1]
type Params struct {
	Name string
	ID   [3]byte // JEDEC ID

	PageSize      int
	SubsectorSize int
	SectorSize    int
	FlashSize     int64

	// Status register bits.
	SRWIP  byte // write in progress
	SRWREN byte // write enable latch

	// Volatile configuration register: dummy-cycle bitfield and the
	// cycle count programmed for quad reads.
	VCRDummyMask        byte
	VCRDummyShift       uint
	DummyCyclesQuadRead uint8

	// Command opcodes.
	CmdReadID         byte
	CmdWriteEnable    byte
	CmdReadStatus     byte
	CmdReadVolCfg     byte
	CmdWriteVolCfg    byte
	CmdResetEnable    byte
	CmdResetMemory    byte
	CmdQuadRead       byte
	CmdQuadPageProg   byte
	CmdSubsectorErase byte
	CmdSectorErase    byte
	CmdBulkErase      byte
}

// N25Q128A is the Micron N25Q128A 128Mb chip this driver was brought
// up against. [N25Q128A|Table 19, Table 6]
var N25Q128A = Params{
	Name: "Micron N25Q128A",
	ID:   [3]byte{0x20, 0xBA, 0x18},

	PageSize:      256,
	SubsectorSize: 4 << 10,
	SectorSize:    64 << 10,
	FlashSize:     16 << 20,

	SRWIP:  1 << 0,
	SRWREN: 1 << 1,

	VCRDummyMask:        0xF0,
	VCRDummyShift:       4,
	DummyCyclesQuadRead: 10,

	CmdReadID:         0x9F,
	CmdWriteEnable:    0x06,
	CmdReadStatus:     0x05,
	CmdReadVolCfg:     0x85,
	CmdWriteVolCfg:    0x81,
	CmdResetEnable:    0x66,
	CmdResetMemory:    0x99,
	CmdQuadRead:       0xEB, // quad input/output fast read
	CmdQuadPageProg:   0x12, // extended quad input fast program
	CmdSubsectorErase: 0x20,
	CmdSectorErase:    0xD8,
	CmdBulkErase:      0xC7,
}

// flashSizeExp encodes the addressable range for the engine config:
// log2(size) - 1. [RM0385|QUADSPI_DCR.FSIZE]
func (p *Params) flashSizeExp() uint8 {
	exp := uint8(0)
	for s := p.FlashSize; s > 1; s >>= 1 {
		exp++
	}
	return exp - 1
}

// StatusRegister is the chip's status register byte.
//
//	Bits| [N25Q128A|Table 10]
//	----+-------------------------------------
//	7   | Status register write enable/disable
//	6:2 | Top/bottom, block protect
//	1   | Write enable latch
//	0   | Write in progress
type StatusRegister byte

func (sr StatusRegister) WriteEnabled() bool { return sr&(1<<1) != 0 }
func (sr StatusRegister) Busy() bool         { return sr&(1<<0) != 0 }

func (sr StatusRegister) String() string {
	s := fmt.Sprintf("%#02x", byte(sr))
	if sr.WriteEnabled() {
		s += " WEL"
	}
	if sr.Busy() {
		s += " WIP"
	}
	return s
}
