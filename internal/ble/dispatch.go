package ble

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// CommandKind identifies the variant of a Command.
type CommandKind uint8

const (
	CmdSetTargets CommandKind = iota
	CmdSetStage
	CmdSetOverrides
)

// Command is a typed representation of a BLE write, queued for the
// supervisor's tick loop to drain before it reads sensors — the same
// boundary the teacher's operator.Server crosses with a typed Request
// dispatched by a command-string switch, generalized here to one
// constructor per characteristic instead of one cmd field.
type Command struct {
	Kind         CommandKind
	Targets      ControlTargets
	Stage        StageState
	OverrideBits uint16
}

// Dispatcher decodes BLE writes into Commands and queues them for the
// supervisor. Decode/validation failures are rejected at the write
// boundary and never reach the command channel.
type Dispatcher struct {
	commands chan Command
	log      *zap.Logger

	accepted [6]atomic.Uint64
	rejected [6]atomic.Uint64
}

// NewDispatcher builds a Dispatcher with a buffered command channel.
func NewDispatcher(bufSize int, log *zap.Logger) *Dispatcher {
	if bufSize <= 0 {
		bufSize = 8
	}
	return &Dispatcher{commands: make(chan Command, bufSize), log: log}
}

// Commands returns the channel the supervisor drains each tick.
func (d *Dispatcher) Commands() <-chan Command {
	return d.commands
}

// Wire registers this Dispatcher's handlers on a Peripheral's writable
// characteristics.
func (d *Dispatcher) Wire(p Peripheral) {
	p.SetWriteHandler(CharControlTargets, d.handleControlTargets)
	p.SetWriteHandler(CharStageState, d.handleStageState)
	p.SetWriteHandler(CharOverrideBits, d.handleOverrideBits)
}

func (d *Dispatcher) handleControlTargets(raw []byte) error {
	t, err := DecodeControlTargets(raw)
	if err != nil {
		d.reject(CharControlTargets, err)
		return err
	}
	d.accept(CharControlTargets)
	d.send(Command{Kind: CmdSetTargets, Targets: t})
	return nil
}

func (d *Dispatcher) handleStageState(raw []byte) error {
	s, err := DecodeStageState(raw)
	if err != nil {
		d.reject(CharStageState, err)
		return err
	}
	d.accept(CharStageState)
	d.send(Command{Kind: CmdSetStage, Stage: s})
	return nil
}

func (d *Dispatcher) handleOverrideBits(raw []byte) error {
	bits, err := DecodeOverrideBits(raw)
	if err != nil {
		d.reject(CharOverrideBits, err)
		return err
	}
	d.accept(CharOverrideBits)
	d.send(Command{Kind: CmdSetOverrides, OverrideBits: bits})
	return nil
}

func (d *Dispatcher) send(cmd Command) {
	select {
	case d.commands <- cmd:
	default:
		if d.log != nil {
			d.log.Warn("ble: command channel full, dropping write", zap.Uint8("kind", uint8(cmd.Kind)))
		}
	}
}

func (d *Dispatcher) accept(ch Characteristic) { d.accepted[ch].Add(1) }
func (d *Dispatcher) reject(ch Characteristic, err error) {
	d.rejected[ch].Add(1)
	if d.log != nil {
		d.log.Warn("ble: write rejected", zap.String("characteristic", ch.String()), zap.Error(err))
	}
}

// Accepted returns the lifetime accepted-write count for a characteristic.
func (d *Dispatcher) Accepted(ch Characteristic) uint64 { return d.accepted[ch].Load() }

// Rejected returns the lifetime rejected-write count for a characteristic.
func (d *Dispatcher) Rejected(ch Characteristic) uint64 { return d.rejected[ch].Load() }
