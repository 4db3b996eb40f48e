package ble

import (
	"context"
	"fmt"
	"sync"
)

// Peripheral is the injected GATT transport boundary: advertise, notify
// subscribed centrals, and route write requests to handlers. No GATT
// library exists anywhere in the third-party stack this project draws
// from, so production code depends on this narrow interface exactly the
// way the teacher depends on bpf.Objects rather than constructing it
// in-package — the real implementation lives outside this module's
// build tags for the target platform's BLE stack.
type Peripheral interface {
	Notify(ch Characteristic, payload []byte) error
	SetWriteHandler(ch Characteristic, fn func([]byte) error)
	Start(ctx context.Context) error
}

// NotifiedRecord captures one Notify call, for test inspection.
type NotifiedRecord struct {
	Char    Characteristic
	Payload []byte
}

// InProcessPeripheral is an in-process fake Peripheral used in tests and
// when SIMULATION_MODE is set. Write calls are driven directly by test
// code via Write rather than an actual BLE stack.
type InProcessPeripheral struct {
	mu       sync.Mutex
	handlers map[Characteristic]func([]byte) error
	Notified []NotifiedRecord
}

// NewInProcessPeripheral builds an empty InProcessPeripheral.
func NewInProcessPeripheral() *InProcessPeripheral {
	return &InProcessPeripheral{handlers: make(map[Characteristic]func([]byte) error)}
}

// Notify implements Peripheral by recording the call.
func (p *InProcessPeripheral) Notify(ch Characteristic, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.Notified = append(p.Notified, NotifiedRecord{Char: ch, Payload: cp})
	return nil
}

// SetWriteHandler implements Peripheral.
func (p *InProcessPeripheral) SetWriteHandler(ch Characteristic, fn func([]byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[ch] = fn
}

// Start implements Peripheral: blocks until ctx is cancelled.
func (p *InProcessPeripheral) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Write simulates a central writing payload to characteristic ch.
func (p *InProcessPeripheral) Write(ch Characteristic, payload []byte) error {
	p.mu.Lock()
	fn := p.handlers[ch]
	p.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("ble: no write handler registered for %s", ch)
	}
	return fn(payload)
}
