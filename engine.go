package qflash

import (
	"errors"
	"time"
)

// Engine status errors. The driver maps these onto the bio taxonomy;
// anything else an engine returns counts as a generic failure.
var (
	ErrBusy    = errors.New("qflash: engine busy")
	ErrTimeout = errors.New("qflash: engine timed out")
)

// SampleEdge selects when the engine samples incoming data relative to
// the clock.
type SampleEdge uint8

const (
	SampleNone SampleEdge = iota
	SampleHalfCycle
)

// Config is the one-time engine bring-up record.
type Config struct {
	ClockPrescaler uint8
	FifoThreshold  uint8
	SampleShifting SampleEdge

	// FlashSizeExp is log2(flash size in bytes) - 1, the engine's
	// encoding of the addressable range.
	FlashSizeExp uint8

	CSHighCycles uint8
	ClockMode    uint8
	FlashID      uint8
	DualFlash    bool
}

// Engine is the bus transaction engine: a single hardware state
// machine that performs one command at a time. A Command call latches
// the transfer that a following Transmit or Receive moves data for.
//
// The blocking variants complete the transaction before returning,
// failing with ErrTimeout when the deadline passes. The IT variants
// return as soon as the transaction is issued and deliver completion
// through the Events sink supplied at Init: CommandIT and
// AutoPollingIT signal Cmd, TransmitIT signals Tx, ReceiveIT signals
// Rx. Callers must not start a second transaction before the first
// one's signal fires; the driver's lock enforces this.
type Engine interface {
	Init(cfg Config, ev *Events) error
	Deinit() error

	Command(c *Command, timeout time.Duration) error
	Transmit(buf []byte, timeout time.Duration) error
	Receive(buf []byte, timeout time.Duration) error

	CommandIT(c *Command) error
	TransmitIT(buf []byte) error
	ReceiveIT(buf []byte) error

	// AutoPolling repeatedly issues c and compares the returned status
	// byte against p until it matches or the timeout expires.
	AutoPolling(c *Command, p *AutoPoll, timeout time.Duration) error
	AutoPollingIT(c *Command, p *AutoPoll) error
}

// Event is a single-slot auto-resetting completion signal. Signal on
// an already-signaled event is a no-op; Wait consumes the slot.
type Event struct {
	c chan struct{}
}

func NewEvent() *Event {
	return &Event{c: make(chan struct{}, 1)}
}

func (e *Event) Signal() {
	select {
	case e.c <- struct{}{}:
	default:
	}
}

func (e *Event) Wait() {
	<-e.c
}

// Events is the completion sink an engine signals from its interrupt
// dispatch path. One event per transaction kind; exactly one signal
// per outstanding IT transaction.
type Events struct {
	Cmd *Event
	Tx  *Event
	Rx  *Event
}

func NewEvents() *Events {
	return &Events{Cmd: NewEvent(), Tx: NewEvent(), Rx: NewEvent()}
}
