// Package flasher writes images to an ESP32 through the ROM bootloader.
package flasher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/slip"
)

const (
	syncAttempts    = 10
	commandTimeout  = 5 * time.Second
	md5Timeout      = 10 * time.Second
	readSliceWindow = 100 * time.Millisecond
)

// ErrTimeout is returned when the bootloader does not answer in time.
var ErrTimeout = errors.New("timeout waiting for response")

// Conn is the serial connection the flasher drives.
type Conn interface {
	Write(data []byte) (int, error)
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	ResetToBootloader() error
	HardReset() error
}

// ProgressCallback reports written blocks out of total.
type ProgressCallback func(current, total int)

// Flasher handles a single bootloader session.
type Flasher struct {
	conn     Conn
	log      zerolog.Logger
	progress ProgressCallback
	frames   slip.Buffer
}

// New returns a Flasher talking to the bootloader over conn.
func New(conn Conn, log zerolog.Logger) *Flasher {
	return &Flasher{conn: conn, log: log}
}

// SetProgressCallback sets the function called after each written block.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// Connect resets the chip into the bootloader, syncs and attaches SPI flash.
func (f *Flasher) Connect(ctx context.Context) error {
	if err := f.conn.ResetToBootloader(); err != nil {
		return fmt.Errorf("failed to reset into bootloader: %w", err)
	}
	if err := f.Sync(ctx); err != nil {
		return fmt.Errorf("failed to sync with bootloader: %w", err)
	}
	if err := f.command(ctx, protocol.NewRequest(protocol.CmdSpiAttach, protocol.SpiAttachData()), commandTimeout); err != nil {
		return fmt.Errorf("failed to attach SPI flash: %w", err)
	}
	return nil
}

// Sync exchanges SYNC packets until the bootloader answers.
func (f *Flasher) Sync(ctx context.Context) error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdSync, protocol.SyncData()).Encode())

	for attempt := 1; attempt <= syncAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.conn.Flush()
		f.frames.Reset()

		if _, err := f.conn.Write(frame); err != nil {
			f.log.Debug().Err(err).Int("attempt", attempt).Msg("sync write failed")
			continue
		}
		resp, err := f.read(ctx, 500*time.Millisecond)
		if err != nil {
			f.log.Debug().Err(err).Int("attempt", attempt).Msg("sync unanswered")
			continue
		}
		if resp.Command == protocol.CmdSync && resp.IsSuccess() {
			// the ROM answers one SYNC with several replies
			for i := 0; i < 7; i++ {
				if _, err := f.read(ctx, readSliceWindow); err != nil {
					break
				}
			}
			return nil
		}
	}
	return fmt.Errorf("sync failed after %d attempts", syncAttempts)
}

// ChipID queries GET_SECURITY_INFO. ROMs without chip ID report 0.
func (f *Flasher) ChipID(ctx context.Context) (uint32, error) {
	resp, err := f.exchange(ctx, protocol.NewRequest(protocol.CmdGetSecurityInfo, nil), commandTimeout)
	if err != nil {
		return 0, err
	}
	if !resp.IsSuccess() {
		return 0, fmt.Errorf("get security info failed: %s", resp.ErrorString())
	}
	info, err := protocol.ParseSecurityInfo(resp.Data)
	if err != nil {
		return 0, err
	}
	return info.ChipID, nil
}

// FlashImage erases and writes data at address, then optionally verifies the
// flash MD5.
func (f *Flasher) FlashImage(ctx context.Context, data []byte, address uint32, verify bool) error {
	blocks := protocol.CalculateFlashBlocks(len(data))
	begin := protocol.FlashBeginData(protocol.CalculateEraseSize(len(data)), blocks, protocol.FlashBlockSize, address)
	if err := f.command(ctx, protocol.NewRequest(protocol.CmdFlashBegin, begin), eraseTimeout(len(data))); err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}

	total := int(blocks)
	for seq := 0; seq < total; seq++ {
		start := seq * protocol.FlashBlockSize
		end := min(start+protocol.FlashBlockSize, len(data))

		if err := f.command(ctx, protocol.NewFlashDataRequest(data[start:end], uint32(seq)), commandTimeout); err != nil {
			return fmt.Errorf("flash data block %d failed: %w", seq, err)
		}
		if f.progress != nil {
			f.progress(seq+1, total)
		}
	}

	if err := f.command(ctx, protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(false)), commandTimeout); err != nil {
		return fmt.Errorf("flash end failed: %w", err)
	}

	if verify {
		if err := f.verify(ctx, data, address); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
	}
	return nil
}

// eraseTimeout scales with the erased region; FLASH_BEGIN erases before it
// answers.
func eraseTimeout(size int) time.Duration {
	perMB := 30 * time.Second
	t := time.Duration(int64(size) * int64(perMB) / (1 << 20))
	return max(t, commandTimeout)
}

func (f *Flasher) verify(ctx context.Context, data []byte, address uint32) error {
	sum := md5.Sum(data)
	expected := hex.EncodeToString(sum[:])

	req := protocol.NewRequest(protocol.CmdSpiFlashMD5, protocol.FlashMD5Data(address, uint32(len(data))))
	resp, err := f.exchange(ctx, req, md5Timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("MD5 command failed: %s", resp.ErrorString())
	}

	// ROM loader replies with 32 ASCII hex digits
	actual := string(resp.Data)
	if len(actual) > 32 {
		actual = actual[:32]
	}
	if actual != expected {
		return fmt.Errorf("MD5 mismatch: expected %s, got %s", expected, actual)
	}
	f.log.Debug().Str("md5", actual).Uint32("address", address).Msg("flash verified")
	return nil
}

// Reboot leaves the bootloader and restarts the application.
func (f *Flasher) Reboot() error {
	frame := slip.Encode(protocol.NewRequest(protocol.CmdFlashEnd, protocol.FlashEndData(true)).Encode())
	if _, err := f.conn.Write(frame); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return f.conn.HardReset()
}

func (f *Flasher) command(ctx context.Context, req *protocol.Request, timeout time.Duration) error {
	resp, err := f.exchange(ctx, req, timeout)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("command 0x%02X failed: %s", req.Command, resp.ErrorString())
	}
	return nil
}

// exchange writes req and returns the first response to the same opcode.
func (f *Flasher) exchange(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	if _, err := f.conn.Write(slip.Encode(req.Encode())); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		resp, err := f.read(ctx, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if resp.Command == req.Command {
			return resp, nil
		}
		f.log.Debug().Uint8("want", req.Command).Uint8("got", resp.Command).Msg("skipping stale response")
	}
}

func (f *Flasher) read(ctx context.Context, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		if data := f.frames.Next(); data != nil {
			resp, err := protocol.DecodeResponse(data)
			if err == nil {
				return resp, nil
			}
			f.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}

		n, err := f.conn.ReadTimeout(chunk, min(readSliceWindow, remaining))
		if n > 0 {
			f.frames.Write(chunk[:n])
		}
		if err != nil && n == 0 {
			f.log.Debug().Err(err).Msg("serial read")
		}
	}
}

// Region is one image to write.
type Region struct {
	Name    string
	Address uint32
	Data    []byte
}

// Blocks returns the total FLASH_DATA blocks across regions.
func Blocks(regions []Region) int {
	total := 0
	for _, r := range regions {
		total += int(protocol.CalculateFlashBlocks(len(r.Data)))
	}
	return total
}

// FlashRegions writes regions in order, reporting progress across all of
// them against Blocks(regions).
func (f *Flasher) FlashRegions(ctx context.Context, regions []Region, verify bool) error {
	outer := f.progress
	defer func() { f.progress = outer }()

	total := Blocks(regions)
	done := 0
	for _, r := range regions {
		base := done
		f.progress = func(current, _ int) {
			if outer != nil {
				outer(base+current, total)
			}
		}

		f.log.Info().Str("region", r.Name).Str("address", fmt.Sprintf("0x%X", r.Address)).Int("bytes", len(r.Data)).Msg("flashing")
		if err := f.FlashImage(ctx, r.Data, r.Address, verify); err != nil {
			return fmt.Errorf("failed to flash %s at 0x%X: %w", r.Name, r.Address, err)
		}
		done += int(protocol.CalculateFlashBlocks(len(r.Data)))
	}
	return nil
}
