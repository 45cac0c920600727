// Package detect finds ESP32 boards waiting on serial ports.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/esp-mergebin/internal/flasher"
	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/serial"
)

// Result is a board that answered SYNC.
type Result struct {
	Port     string
	ChipID   uint32
	ChipName string
	ChipArg  string
}

// Matches reports whether the board is the chip named by an esptool --chip
// value. Boards whose ROM does not report a chip ID always match.
func (r Result) Matches(chip string) bool {
	return r.ChipArg == "" || chip == "" || r.ChipArg == chip
}

// Opener opens a port for probing.
type Opener func(name string, baudRate int) (Port, error)

// Port is a probed connection.
type Port interface {
	flasher.Conn
	Close() error
}

// Detector probes serial ports.
type Detector struct {
	BaudRate int
	Timeout  time.Duration
	Open     Opener
	List     func() ([]serial.Info, error)
	Log      zerolog.Logger
}

// New returns a Detector using real serial ports.
func New(baudRate int, log zerolog.Logger) *Detector {
	return &Detector{
		BaudRate: baudRate,
		Timeout:  3 * time.Second,
		Open: func(name string, baud int) (Port, error) {
			p, err := serial.Open(name, baud)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		List: serial.ListPorts,
		Log:  log,
	}
}

// First returns the first board found, trying USB ports first.
func (d *Detector) First(ctx context.Context) (*Result, error) {
	ports, err := d.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, p := range ports {
		result, err := d.Probe(ctx, p.Name)
		if err != nil {
			d.Log.Debug().Err(err).Str("port", p.Name).Msg("no bootloader")
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("no ESP32 device found (last error: %w)", lastErr)
}

// All probes every port and returns the boards that answered.
func (d *Detector) All(ctx context.Context) ([]Result, error) {
	ports, err := d.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, p := range ports {
		if result, err := d.Probe(ctx, p.Name); err == nil {
			results = append(results, *result)
		}
	}
	return results, nil
}

// Probe resets the board on name into the bootloader and identifies it.
func (d *Detector) Probe(ctx context.Context, name string) (*Result, error) {
	port, err := d.Open(name, d.BaudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	f := flasher.New(port, d.Log)
	if err := port.ResetToBootloader(); err != nil {
		return nil, fmt.Errorf("failed to reset: %w", err)
	}
	if err := f.Sync(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	result := &Result{Port: name, ChipName: "ESP32 (unknown variant)"}
	id, err := f.ChipID(ctx)
	if err != nil {
		// sync worked, so the board is an ESP32 whose ROM lacks chip ID
		d.Log.Debug().Err(err).Str("port", name).Msg("chip id unavailable")
		return result, nil
	}
	result.ChipID = id
	result.ChipName = protocol.ChipName(id)
	result.ChipArg = protocol.ChipArg(id)
	return result, nil
}
