package flasher

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/bigbag/esp-mergebin/internal/logging"
	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/slip"
)

// fakeROM answers bootloader requests the way the ESP32 ROM does.
type fakeROM struct {
	rx       slip.Buffer
	tx       []byte
	commands []byte
	flash    []byte
	failCmd  byte
	silent   bool
	chipID   uint32
	resets   int
	rebooted bool
}

func (r *fakeROM) Write(data []byte) (int, error) {
	r.rx.Write(data)
	for pkt := r.rx.Next(); pkt != nil; pkt = r.rx.Next() {
		r.handle(pkt)
	}
	return len(data), nil
}

func (r *fakeROM) handle(pkt []byte) {
	cmd := pkt[1]
	size := binary.LittleEndian.Uint16(pkt[2:4])
	checksum := binary.LittleEndian.Uint32(pkt[4:8])
	data := pkt[8 : 8+int(size)]
	r.commands = append(r.commands, cmd)

	if r.silent {
		return
	}
	if cmd == r.failCmd {
		r.reply(cmd, nil, 0x01, protocol.ErrFlashWriteErr)
		return
	}

	switch cmd {
	case protocol.CmdFlashData:
		block := data[16:]
		if protocol.Checksum(block) != checksum {
			r.reply(cmd, nil, 0x01, protocol.ErrInvalidCRC)
			return
		}
		r.flash = append(r.flash, block...)
	case protocol.CmdSpiFlashMD5:
		n := binary.LittleEndian.Uint32(data[4:8])
		sum := md5.Sum(r.flash[:n])
		r.reply(cmd, []byte(hex.EncodeToString(sum[:])), 0, 0)
		return
	case protocol.CmdGetSecurityInfo:
		info := make([]byte, 20)
		binary.LittleEndian.PutUint32(info[12:16], r.chipID)
		r.reply(cmd, info, 0, 0)
		return
	case protocol.CmdFlashEnd:
		if binary.LittleEndian.Uint32(data) == 0 {
			r.rebooted = true
			return
		}
	}
	r.reply(cmd, nil, 0, 0)
}

func (r *fakeROM) reply(cmd byte, body []byte, status, code byte) {
	pkt := make([]byte, 8, 8+len(body)+2)
	pkt[0] = protocol.DirResponse
	pkt[1] = cmd
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)+2))
	pkt = append(pkt, body...)
	pkt = append(pkt, status, code)
	r.tx = append(r.tx, slip.Encode(pkt)...)
}

func (r *fakeROM) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if len(r.tx) == 0 {
		time.Sleep(min(timeout, time.Millisecond))
		return 0, nil
	}
	n := copy(buf, r.tx)
	r.tx = r.tx[n:]
	return n, nil
}

func (r *fakeROM) Flush() error             { return nil }
func (r *fakeROM) ResetToBootloader() error { r.resets++; return nil }
func (r *fakeROM) HardReset() error         { return nil }

func newFlasher(rom *fakeROM) *Flasher {
	return New(rom, logging.New(io.Discard, logging.ProfileTest))
}

func TestConnect(t *testing.T) {
	rom := &fakeROM{}
	f := newFlasher(rom)

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if rom.resets != 1 {
		t.Errorf("resets = %d, want 1", rom.resets)
	}
	want := []byte{protocol.CmdSync, protocol.CmdSpiAttach}
	if !bytes.Equal(rom.commands, want) {
		t.Errorf("commands = %v, want %v", rom.commands, want)
	}
}

func TestSync_NoAnswer(t *testing.T) {
	rom := &fakeROM{silent: true}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := newFlasher(rom).Sync(ctx); err == nil {
		t.Fatal("Sync() error = nil, want failure")
	}
}

func TestChipID(t *testing.T) {
	rom := &fakeROM{chipID: protocol.ChipIDESP32S3}
	id, err := newFlasher(rom).ChipID(context.Background())
	if err != nil {
		t.Fatalf("ChipID() error = %v", err)
	}
	if id != protocol.ChipIDESP32S3 {
		t.Errorf("ChipID() = %d, want %d", id, protocol.ChipIDESP32S3)
	}
}

func TestFlashImage_WritesAndVerifies(t *testing.T) {
	rom := &fakeROM{}
	f := newFlasher(rom)

	image := bytes.Repeat([]byte{0xA5}, 3*protocol.FlashBlockSize+10)
	var calls []int
	f.SetProgressCallback(func(current, total int) {
		if total != 4 {
			t.Errorf("progress total = %d, want 4", total)
		}
		calls = append(calls, current)
	})

	if err := f.FlashImage(context.Background(), image, protocol.MergedImageAddress, true); err != nil {
		t.Fatalf("FlashImage() error = %v", err)
	}

	if !bytes.Equal(rom.flash[:len(image)], image) {
		t.Error("flashed data does not match image")
	}
	for _, b := range rom.flash[len(image):] {
		if b != 0xFF {
			t.Fatalf("padding byte = 0x%02X, want 0xFF", b)
		}
	}
	if len(calls) != 4 || calls[3] != 4 {
		t.Errorf("progress calls = %v, want 1..4", calls)
	}
	last := rom.commands[len(rom.commands)-1]
	if last != protocol.CmdSpiFlashMD5 {
		t.Errorf("last command = 0x%02X, want MD5", last)
	}
}

func TestFlashImage_CommandFailure(t *testing.T) {
	rom := &fakeROM{failCmd: protocol.CmdFlashData}
	err := newFlasher(rom).FlashImage(context.Background(), []byte{1, 2, 3}, 0, false)
	if err == nil {
		t.Fatal("FlashImage() error = nil, want failure")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("flash write error")) {
		t.Errorf("FlashImage() error = %v, want ROM error message", err)
	}
}

func TestFlashRegions_Progress(t *testing.T) {
	rom := &fakeROM{}
	f := newFlasher(rom)

	regions := []Region{
		{Name: "merged", Address: 0x0, Data: make([]byte, 2*protocol.FlashBlockSize)},
		{Name: "extra", Address: 0x10000, Data: make([]byte, 1)},
	}
	var last, lastTotal int
	f.SetProgressCallback(func(current, total int) { last, lastTotal = current, total })

	if err := f.FlashRegions(context.Background(), regions, false); err != nil {
		t.Fatalf("FlashRegions() error = %v", err)
	}
	if last != 3 || lastTotal != 3 {
		t.Errorf("final progress = %d/%d, want 3/3", last, lastTotal)
	}
	if Blocks(regions) != 3 {
		t.Errorf("Blocks() = %d, want 3", Blocks(regions))
	}
}

func TestReboot(t *testing.T) {
	rom := &fakeROM{}
	if err := newFlasher(rom).Reboot(); err != nil {
		t.Fatalf("Reboot() error = %v", err)
	}
	if !rom.rebooted {
		t.Error("FLASH_END with reboot flag not sent")
	}
}

func TestEraseTimeout(t *testing.T) {
	if got := eraseTimeout(0); got != commandTimeout {
		t.Errorf("eraseTimeout(0) = %v, want %v", got, commandTimeout)
	}
	if got := eraseTimeout(4 << 20); got != 120*time.Second {
		t.Errorf("eraseTimeout(4MB) = %v, want 2m", got)
	}
}
