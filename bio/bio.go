// Package bio is a minimal block I/O layer: a registry of named block
// devices, each described by a fixed block geometry and a set of
// device operations. Drivers register a Device once at bring-up;
// consumers look it up by name and go through the Device methods.
package bio

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Error taxonomy shared by every registered driver. Drivers map their
// hardware-level statuses onto these before returning.
var (
	ErrInvalidArgs    = errors.New("bio: invalid arguments")
	ErrNotImplemented = errors.New("bio: not implemented")
	ErrIO             = errors.New("bio: i/o error")
	ErrBusy           = errors.New("bio: device busy")
	ErrTimedOut       = errors.New("bio: timed out")
	ErrNoDevice       = errors.New("bio: no such device")
)

// Geometry describes the erase characteristics of a device: the erase
// unit size, its log2, and the byte range the geometry covers.
// Immutable after registration.
type Geometry struct {
	EraseSize  uint
	EraseShift uint
	Start      int64
	Size       int64
}

// Ops is the operation set a driver supplies at registration. All
// counts are in bytes except the block operations, which take block
// numbers and block counts. Operations report how much completed even
// when they also return an error.
type Ops interface {
	ReadAt(buf []byte, off int64) (int, error)
	ReadBlocks(buf []byte, block, count uint32) (int, error)
	WriteBlocks(buf []byte, block, count uint32) (int, error)
	EraseRange(off, length int64) (int64, error)
	Ioctl(request int, arg any) error
}

// Device is one registered block device.
type Device struct {
	Name        string
	BlockSize   int
	BlockShift  uint
	BlockCount  uint32
	SubdevCount int
	Geometry    *Geometry

	// EraseByte is the value every byte of an erased range reads as.
	EraseByte byte

	Ops Ops
}

// NewDevice builds an unregistered Device. blockSize must be a power
// of two.
func NewDevice(name string, blockSize int, blockCount uint32, subdevs int, geom *Geometry) (*Device, error) {
	if name == "" || blockSize <= 0 || bits.OnesCount(uint(blockSize)) != 1 {
		return nil, ErrInvalidArgs
	}
	return &Device{
		Name:        name,
		BlockSize:   blockSize,
		BlockShift:  uint(bits.TrailingZeros(uint(blockSize))),
		BlockCount:  blockCount,
		SubdevCount: subdevs,
		Geometry:    geom,
	}, nil
}

// Size returns the device capacity in bytes.
func (d *Device) Size() int64 {
	return int64(d.BlockCount) << d.BlockShift
}

// TrimRange clamps a byte range to the device bounds and returns the
// usable length. A range entirely outside the device trims to zero.
func (d *Device) TrimRange(off, length int64) int64 {
	size := d.Size()
	if off < 0 || off >= size || length <= 0 {
		return 0
	}
	if length > size-off {
		length = size - off
	}
	return length
}

// TrimBlockRange clamps a block range to the device bounds and returns
// the usable count.
func (d *Device) TrimBlockRange(block, count uint32) uint32 {
	if block >= d.BlockCount || count == 0 {
		return 0
	}
	if count > d.BlockCount-block {
		count = d.BlockCount - block
	}
	return count
}

func (d *Device) ReadAt(buf []byte, off int64) (int, error) {
	return d.Ops.ReadAt(buf, off)
}

func (d *Device) ReadBlocks(buf []byte, block, count uint32) (int, error) {
	return d.Ops.ReadBlocks(buf, block, count)
}

func (d *Device) WriteBlocks(buf []byte, block, count uint32) (int, error) {
	return d.Ops.WriteBlocks(buf, block, count)
}

func (d *Device) EraseRange(off, length int64) (int64, error) {
	return d.Ops.EraseRange(off, length)
}

func (d *Device) Ioctl(request int, arg any) error {
	return d.Ops.Ioctl(request, arg)
}

var registry = struct {
	mu   sync.Mutex
	devs map[string]*Device
}{devs: make(map[string]*Device)}

// Register adds a device to the registry. Names are unique.
func Register(d *Device) error {
	if d == nil || d.Name == "" || d.Ops == nil {
		return ErrInvalidArgs
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.devs[d.Name]; ok {
		return fmt.Errorf("bio: device %q already registered", d.Name)
	}
	registry.devs[d.Name] = d
	return nil
}

// Unregister removes a device by name. Removing an unknown name is a
// no-op.
func Unregister(name string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.devs, name)
}

// Open looks up a registered device by name.
func Open(name string) (*Device, error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	d, ok := registry.devs[name]
	if !ok {
		return nil, fmt.Errorf("bio: open %q: %w", name, ErrNoDevice)
	}
	return d, nil
}

// Devices returns the names of all registered devices.
func Devices() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	names := make([]string, 0, len(registry.devs))
	for name := range registry.devs {
		names = append(names, name)
	}
	return names
}
