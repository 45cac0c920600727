// Package serial wraps go.bug.st/serial with the DTR/RTS sequences used by
// ESP32 development boards.
package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const defaultReadTimeout = 100 * time.Millisecond

// Port is an open serial connection to an ESP32 board.
type Port struct {
	port     serial.Port
	name     string
	baudRate int
}

// Open opens name at baudRate, 8N1.
func Open(name string, baudRate int) (*Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", name, err)
	}
	if err := p.SetReadTimeout(defaultReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &Port{port: p, name: name, baudRate: baudRate}, nil
}

func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	return p.port.Close()
}

func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// ReadTimeout reads into buf, waiting at most timeout. A timeout returns
// n == 0 and a nil error.
func (p *Port) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(defaultReadTimeout)
	return p.port.Read(buf)
}

// Flush discards unread input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// ResetToBootloader drives the auto-reset circuit (EN on RTS, GPIO0 on DTR,
// both inverted) so the chip boots into download mode.
func (p *Port) ResetToBootloader() error {
	steps := []struct {
		dtr, rts bool
		wait     time.Duration
	}{
		{false, true, 100 * time.Millisecond}, // EN low
		{true, false, 50 * time.Millisecond},  // EN high, GPIO0 low
		{false, false, 50 * time.Millisecond}, // release GPIO0
	}
	for _, s := range steps {
		if err := p.setLines(s.dtr, s.rts); err != nil {
			return err
		}
		time.Sleep(s.wait)
	}
	return p.Flush()
}

// HardReset pulses EN to restart the application.
func (p *Port) HardReset() error {
	if err := p.port.SetRTS(true); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return p.port.SetRTS(false)
}

func (p *Port) setLines(dtr, rts bool) error {
	if err := p.port.SetDTR(dtr); err != nil {
		return err
	}
	return p.port.SetRTS(rts)
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) BaudRate() int {
	return p.baudRate
}

// Info describes an available serial port.
type Info struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Product string
}

// ListPorts returns the serial ports on this host, USB ports first.
func ListPorts() ([]Info, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, lerr := serial.GetPortsList()
		if lerr != nil {
			return nil, lerr
		}
		infos := make([]Info, 0, len(names))
		for _, n := range names {
			infos = append(infos, Info{Name: n})
		}
		return infos, nil
	}

	var usb, other []Info
	for _, d := range details {
		info := Info{Name: d.Name, IsUSB: d.IsUSB, VID: d.VID, PID: d.PID, Product: d.Product}
		if d.IsUSB {
			usb = append(usb, info)
		} else {
			other = append(other, info)
		}
	}
	return append(usb, other...), nil
}
