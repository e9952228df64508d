package qflash

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gentam/qflash/bio"
)

// DeviceName is the name the driver registers under with the bio
// layer.
const DeviceName = "qspi-flash"

// defaultTimeout bounds every blocking engine call that is not
// interrupt driven.
const defaultTimeout = 5 * time.Second

// Flash is one QSPI NOR flash chip behind one bus transaction engine.
// All hardware access serializes through mu: whoever holds it owns the
// engine and the completion events for the full duration of a command
// sequence. mu is a plain sync.Mutex, so waiters are not strictly
// FIFO, but the runtime prevents starvation.
type Flash struct {
	eng Engine
	ev  *Events
	pr  *Params

	mu  sync.Mutex
	dev *bio.Device
}

// New builds an uninitialized driver for the chip described by pr.
// Call Init before any other method.
func New(eng Engine, pr *Params) *Flash {
	return &Flash{
		eng: eng,
		ev:  NewEvents(),
		pr:  pr,
	}
}

// Events returns the completion sink a platform interrupt dispatcher
// must signal. Engines handed to New receive it through Init.
func (f *Flash) Events() *Events { return f.ev }

// Device returns the registered block device, or nil before Init.
func (f *Flash) Device() *bio.Device { return f.dev }

// hw is the locked hardware context. It is only obtainable through
// lockHW, so any function taking an hw is statically known to run
// under the serialization lock.
type hw struct {
	f *Flash
}

func (f *Flash) lockHW() hw {
	f.mu.Lock()
	return hw{f}
}

func (h hw) unlock() {
	h.f.mu.Unlock()
}

// mapErr folds engine statuses into the bio taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBusy):
		return bio.ErrBusy
	case errors.Is(err, ErrTimeout):
		return bio.ErrTimedOut
	case errors.Is(err, bio.ErrInvalidArgs):
		return err
	default:
		return fmt.Errorf("%w: %w", bio.ErrIO, err)
	}
}

// Transaction primitives. Each issues one interrupt-driven engine call
// and blocks on the matching completion event. A rejected issue call
// returns immediately; the event cannot fire for a transaction the
// engine never started.

func (h hw) cmd(c *Command) error {
	if err := h.f.eng.CommandIT(c); err != nil {
		return err
	}
	h.f.ev.Cmd.Wait()
	return nil
}

func (h hw) transmit(buf []byte) error {
	if err := h.f.eng.TransmitIT(buf); err != nil {
		return err
	}
	h.f.ev.Tx.Wait()
	return nil
}

func (h hw) receive(buf []byte) error {
	if err := h.f.eng.ReceiveIT(buf); err != nil {
		return err
	}
	h.f.ev.Rx.Wait()
	return nil
}

// writeEnable sets the chip's write enable latch and blocks until the
// status register confirms it. Required before every program or erase
// command.
func (h hw) writeEnable() error {
	pr := h.f.pr
	c := Command{
		Instruction:     pr.CmdWriteEnable,
		InstructionMode: Lines1,
	}
	if err := h.f.eng.Command(&c, defaultTimeout); err != nil {
		return err
	}

	poll := AutoPoll{
		Match:       pr.SRWREN,
		Mask:        pr.SRWREN,
		Interval:    0x10,
		StatusBytes: 1,
	}
	c = Command{
		Instruction:     pr.CmdReadStatus,
		InstructionMode: Lines1,
		DataMode:        Lines1,
	}
	return h.f.eng.AutoPolling(&c, &poll, defaultTimeout)
}

// configDummyCycles programs the quad-read dummy cycle count into the
// volatile configuration register, preserving every other bit.
func (h hw) configDummyCycles() error {
	pr := h.f.pr
	c := Command{
		Instruction:     pr.CmdReadVolCfg,
		InstructionMode: Lines1,
		DataMode:        Lines1,
		Length:          1,
	}
	if err := h.f.eng.Command(&c, defaultTimeout); err != nil {
		return err
	}

	reg := make([]byte, 1)
	if err := h.f.eng.Receive(reg, defaultTimeout); err != nil {
		return err
	}

	if err := h.writeEnable(); err != nil {
		return err
	}

	reg[0] = reg[0]&^pr.VCRDummyMask | pr.DummyCyclesQuadRead<<pr.VCRDummyShift&pr.VCRDummyMask

	c.Instruction = pr.CmdWriteVolCfg
	if err := h.f.eng.Command(&c, defaultTimeout); err != nil {
		return err
	}
	return h.f.eng.Transmit(reg, defaultTimeout)
}

// waitReady arms engine-side polling for the write-in-progress bit to
// clear and blocks until the poll-complete interrupt fires.
func (h hw) waitReady() error {
	pr := h.f.pr
	c := Command{
		Instruction:     pr.CmdReadStatus,
		InstructionMode: Lines1,
		DataMode:        Lines1,
	}
	poll := AutoPoll{
		Match:       0,
		Mask:        pr.SRWIP,
		Interval:    0x10,
		StatusBytes: 1,
	}
	if err := h.f.eng.AutoPollingIT(&c, &poll); err != nil {
		return err
	}
	h.f.ev.Cmd.Wait()
	return nil
}

// resetMemory puts the chip back into its power-on command state.
// Init-time only.
func (h hw) resetMemory() error {
	c := Command{
		Instruction:     h.f.pr.CmdResetEnable,
		InstructionMode: Lines1,
	}
	if err := h.cmd(&c); err != nil {
		return err
	}

	c.Instruction = h.f.pr.CmdResetMemory
	if err := h.cmd(&c); err != nil {
		return err
	}

	return h.waitReady()
}

// erase issues one erase command of the given granularity and returns
// the number of bytes it covered. addr may reference any byte inside
// the unit being erased; the chip aligns internally. Bulk erase takes
// no address, so a nonzero addr with the bulk opcode is rejected
// before touching hardware.
func (h hw) erase(addr uint32, instruction byte) (int64, error) {
	pr := h.f.pr

	if instruction == pr.CmdBulkErase && addr != 0 {
		return 0, bio.ErrInvalidArgs
	}

	var erased int64
	c := Command{
		Instruction:     instruction,
		InstructionMode: Lines1,
		Address:         addr,
		AddressMode:     Lines1,
		AddrSize:        Addr24,
	}
	switch instruction {
	case pr.CmdSubsectorErase:
		erased = int64(pr.SubsectorSize)
	case pr.CmdSectorErase:
		erased = int64(pr.SectorSize)
	case pr.CmdBulkErase:
		erased = pr.FlashSize
		c.AddressMode = LinesNone
	default:
		return 0, bio.ErrInvalidArgs
	}

	if err := h.writeEnable(); err != nil {
		return 0, err
	}
	if err := h.cmd(&c); err != nil {
		return 0, err
	}
	if err := h.waitReady(); err != nil {
		return 0, err
	}
	return erased, nil
}

// eraseRange erases exactly length bytes starting at off, choosing the
// cheapest granularity: one bulk erase when the range is the whole
// chip, otherwise sectors while at least a sector remains and
// subsectors for the tail. Returns how much was erased even on
// failure.
func (h hw) eraseRange(off, length int64) (int64, error) {
	pr := h.f.pr

	if off == 0 && length == pr.FlashSize {
		return h.erase(0, pr.CmdBulkErase)
	}

	var total int64
	for length-total >= int64(pr.SectorSize) {
		erased, err := h.erase(uint32(off), pr.CmdSectorErase)
		if err != nil {
			return total, err
		}
		total += erased
		off += erased
	}

	for total < length {
		erased, err := h.erase(uint32(off), pr.CmdSubsectorErase)
		if err != nil {
			return total, err
		}
		total += erased
		off += erased
	}

	return total, nil
}

// writePage programs one full page at a page-aligned address using
// 4-line address and data phases.
func (h hw) writePage(addr uint32, data []byte) (int, error) {
	pr := h.f.pr

	const max24 = 1<<24 - 1 // 0xFFFFFF
	if addr > max24 {
		return 0, bio.ErrInvalidArgs
	}
	if addr%uint32(pr.PageSize) != 0 {
		return 0, bio.ErrInvalidArgs
	}

	if err := h.writeEnable(); err != nil {
		return 0, err
	}

	c := Command{
		Instruction:     pr.CmdQuadPageProg,
		InstructionMode: Lines1,
		Address:         addr,
		AddressMode:     Lines4,
		AddrSize:        Addr24,
		DataMode:        Lines4,
		Length:          pr.PageSize,
	}
	if err := h.f.eng.Command(&c, defaultTimeout); err != nil {
		return 0, err
	}
	if err := h.transmit(data); err != nil {
		return 0, err
	}
	if err := h.waitReady(); err != nil {
		return 0, err
	}
	return pr.PageSize, nil
}

// ReadAt reads len(buf) bytes starting at off with a single quad
// fast-read transaction covering the whole trimmed range. Requests
// beyond the device bounds trim to a short (or zero) read.
func (f *Flash) ReadAt(buf []byte, off int64) (int, error) {
	length := f.dev.TrimRange(off, int64(len(buf)))
	if length == 0 {
		return 0, nil
	}

	pr := f.pr
	c := Command{
		Instruction:     pr.CmdQuadRead,
		InstructionMode: Lines1,
		Address:         uint32(off),
		AddressMode:     Lines4,
		AddrSize:        Addr24,
		DataMode:        Lines4,
		DummyCycles:     pr.DummyCyclesQuadRead,
		Length:          int(length),
	}

	h := f.lockHW()
	defer h.unlock()

	if err := f.eng.Command(&c, defaultTimeout); err != nil {
		return 0, mapErr(err)
	}
	if err := h.receive(buf[:length]); err != nil {
		return 0, mapErr(err)
	}
	return int(length), nil
}

// ReadBlocks reads count blocks starting at block.
func (f *Flash) ReadBlocks(buf []byte, block, count uint32) (int, error) {
	count = f.dev.TrimBlockRange(block, count)
	if count == 0 {
		return 0, nil
	}
	shift := f.dev.BlockShift
	if int64(len(buf)) < int64(count)<<shift {
		return 0, bio.ErrInvalidArgs
	}
	return f.ReadAt(buf[:int64(count)<<shift], int64(block)<<shift)
}

// WriteBlocks programs count blocks starting at block, one full page
// per block in ascending order. buf must hold count full pages. On a
// mid-loop failure the byte count reports how much was programmed
// before the error.
func (f *Flash) WriteBlocks(buf []byte, block, count uint32) (int, error) {
	count = f.dev.TrimBlockRange(block, count)
	if count == 0 {
		return 0, nil
	}

	pageSize := f.pr.PageSize
	if len(buf) < int(count)*pageSize {
		return 0, bio.ErrInvalidArgs
	}

	h := f.lockHW()
	defer h.unlock()

	written := 0
	for ; count > 0; count, block = count-1, block+1 {
		n, err := h.writePage(block*uint32(pageSize), buf[:pageSize])
		written += n
		if err != nil {
			return written, mapErr(err)
		}
		buf = buf[pageSize:]
	}
	return written, nil
}

// EraseRange erases length bytes starting at off. The trimmed range
// reads back as the device's erase byte afterwards. Returns the bytes
// erased even when a command fails partway.
func (f *Flash) EraseRange(off, length int64) (int64, error) {
	length = f.dev.TrimRange(off, length)
	if length == 0 {
		return 0, nil
	}

	h := f.lockHW()
	defer h.unlock()

	erased, err := h.eraseRange(off, length)
	return erased, mapErr(err)
}

// Ioctl implements the bio contract; no requests are supported.
func (f *Flash) Ioctl(request int, arg any) error {
	return bio.ErrNotImplemented
}

var _ bio.Ops = (*Flash)(nil)

// ReadID reads the chip's JEDEC ID.
func (f *Flash) ReadID() ([3]byte, error) {
	c := Command{
		Instruction:     f.pr.CmdReadID,
		InstructionMode: Lines1,
		DataMode:        Lines1,
		Length:          3,
	}

	h := f.lockHW()
	defer h.unlock()

	var id [3]byte
	if err := f.eng.Command(&c, defaultTimeout); err != nil {
		return id, mapErr(err)
	}
	if err := h.receive(id[:]); err != nil {
		return id, mapErr(err)
	}
	return id, nil
}

// ReadStatus reads the chip's status register.
func (f *Flash) ReadStatus() (StatusRegister, error) {
	c := Command{
		Instruction:     f.pr.CmdReadStatus,
		InstructionMode: Lines1,
		DataMode:        Lines1,
		Length:          1,
	}

	h := f.lockHW()
	defer h.unlock()

	var sr [1]byte
	if err := f.eng.Command(&c, defaultTimeout); err != nil {
		return 0, mapErr(err)
	}
	if err := h.receive(sr[:]); err != nil {
		return 0, mapErr(err)
	}
	return StatusRegister(sr[0]), nil
}

// Init brings up the engine, resets the chip, programs the quad-read
// latency, and registers the block device. One-time; not safe to call
// concurrently with itself or any other method. Any bring-up failure
// is returned and the device stays unregistered.
func (f *Flash) Init() error {
	h := f.lockHW()
	defer h.unlock()

	if err := f.eng.Deinit(); err != nil {
		return mapErr(err)
	}

	cfg := Config{
		ClockPrescaler: 1,
		FifoThreshold:  4,
		SampleShifting: SampleHalfCycle,
		FlashSizeExp:   f.pr.flashSizeExp(),
		CSHighCycles:   2,
		ClockMode:      0,
		FlashID:        1,
		DualFlash:      false,
	}
	if err := f.eng.Init(cfg, f.ev); err != nil {
		return mapErr(err)
	}

	if err := h.resetMemory(); err != nil {
		return mapErr(err)
	}
	if err := h.configDummyCycles(); err != nil {
		return mapErr(err)
	}

	geom := &bio.Geometry{
		EraseSize:  uint(f.pr.SubsectorSize),
		EraseShift: log2(uint(f.pr.SubsectorSize)),
		Start:      0,
		Size:       f.pr.FlashSize,
	}

	dev, err := bio.NewDevice(DeviceName, f.pr.PageSize,
		uint32(f.pr.FlashSize/int64(f.pr.PageSize)), 1, geom)
	if err != nil {
		return err
	}
	dev.EraseByte = 0xFF // flash erases to all ones
	dev.Ops = f
	f.dev = dev

	return bio.Register(dev)
}

func log2(v uint) uint {
	var n uint
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
