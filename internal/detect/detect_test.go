package detect

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bigbag/esp-mergebin/internal/logging"
	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/serial"
	"github.com/bigbag/esp-mergebin/internal/slip"
)

// board answers SYNC and, when chipID is set, GET_SECURITY_INFO.
type board struct {
	rx     slip.Buffer
	tx     []byte
	chipID uint32
	closed bool
}

func (b *board) Write(data []byte) (int, error) {
	b.rx.Write(data)
	for pkt := b.rx.Next(); pkt != nil; pkt = b.rx.Next() {
		cmd := pkt[1]
		var body []byte
		status := byte(0)
		switch cmd {
		case protocol.CmdGetSecurityInfo:
			if b.chipID == 0 {
				status = 1
				break
			}
			body = make([]byte, 20)
			binary.LittleEndian.PutUint32(body[12:16], b.chipID)
		}
		resp := make([]byte, 8)
		resp[0] = protocol.DirResponse
		resp[1] = cmd
		binary.LittleEndian.PutUint16(resp[2:4], uint16(len(body)+2))
		resp = append(append(resp, body...), status, 0)
		b.tx = append(b.tx, slip.Encode(resp)...)
	}
	return len(data), nil
}

func (b *board) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if len(b.tx) == 0 {
		time.Sleep(min(timeout, time.Millisecond))
		return 0, nil
	}
	n := copy(buf, b.tx)
	b.tx = b.tx[n:]
	return n, nil
}

func (b *board) Flush() error             { return nil }
func (b *board) ResetToBootloader() error { return nil }
func (b *board) HardReset() error         { return nil }
func (b *board) Close() error             { b.closed = true; return nil }

func newDetector(boards map[string]*board, names ...string) *Detector {
	return &Detector{
		BaudRate: protocol.DefaultBaudRate,
		Timeout:  2 * time.Second,
		Open: func(name string, _ int) (Port, error) {
			if b, ok := boards[name]; ok {
				return b, nil
			}
			return nil, errors.New("no such port")
		},
		List: func() ([]serial.Info, error) {
			infos := make([]serial.Info, 0, len(names))
			for _, n := range names {
				infos = append(infos, serial.Info{Name: n})
			}
			return infos, nil
		},
		Log: logging.New(io.Discard, logging.ProfileTest),
	}
}

func TestProbe_IdentifiesChip(t *testing.T) {
	b := &board{chipID: protocol.ChipIDESP32S3}
	d := newDetector(map[string]*board{"/dev/ttyACM0": b}, "/dev/ttyACM0")

	result, err := d.Probe(context.Background(), "/dev/ttyACM0")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.ChipName != "ESP32-S3" || result.ChipArg != "esp32s3" {
		t.Errorf("Probe() = %+v, want ESP32-S3", result)
	}
	if !b.closed {
		t.Error("port not closed after probe")
	}
}

func TestProbe_UnknownVariant(t *testing.T) {
	d := newDetector(map[string]*board{"COM3": {}}, "COM3")

	result, err := d.Probe(context.Background(), "COM3")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.ChipID != 0 || result.ChipName != "ESP32 (unknown variant)" {
		t.Errorf("Probe() = %+v, want unknown variant", result)
	}
	if !result.Matches("esp32s3") {
		t.Error("unknown variant should match any chip")
	}
}

func TestFirst_SkipsDeadPorts(t *testing.T) {
	d := newDetector(map[string]*board{"/dev/ttyUSB1": {chipID: protocol.ChipIDESP32C3}}, "/dev/ttyUSB0", "/dev/ttyUSB1")

	result, err := d.First(context.Background())
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}
	if result.Port != "/dev/ttyUSB1" {
		t.Errorf("First() port = %q, want /dev/ttyUSB1", result.Port)
	}
}

func TestFirst_NoPorts(t *testing.T) {
	if _, err := newDetector(nil).First(context.Background()); err == nil {
		t.Fatal("First() error = nil, want no ports error")
	}
}

func TestAll(t *testing.T) {
	boards := map[string]*board{
		"a": {chipID: protocol.ChipIDESP32C3},
		"c": {chipID: protocol.ChipIDESP32C6},
	}
	results, err := newDetector(boards, "a", "b", "c").All(context.Background())
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(results) != 2 || results[0].Port != "a" || results[1].Port != "c" {
		t.Errorf("All() = %+v, want boards a and c", results)
	}
}

func TestResult_Matches(t *testing.T) {
	r := Result{ChipArg: "esp32c3"}
	if !r.Matches("esp32c3") {
		t.Error("Matches(esp32c3) = false")
	}
	if r.Matches("esp32s3") {
		t.Error("Matches(esp32s3) = true")
	}
}
