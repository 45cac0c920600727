package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/esp-mergebin/internal/detect"
	"github.com/bigbag/esp-mergebin/internal/flasher"
	"github.com/bigbag/esp-mergebin/internal/logging"
	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/serial"
)

var (
	portFlag   string
	baudFlag   int
	verifyFlag bool
	chipFlag   string
)

func newFlashCmd() *cobra.Command {
	flashCmd := &cobra.Command{
		Use:   "flash <merged.bin>",
		Short: "Flash a merged image to a device",
		Long: `Flash a merged image produced by "mergebin merge" to an ESP32 device.

A merged image already contains the bootloader, partition table and
application at their offsets, so it is written in one piece at 0x0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flashFile(cmd.Context(), cmd, args[0], chipFlag)
		},
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")
	flashCmd.Flags().BoolVar(&verifyFlag, "verify", true, "Verify after flashing")
	flashCmd.Flags().StringVar(&chipFlag, "chip", "", "Refuse to flash unless the device is this chip, e.g. esp32s3")
	return flashCmd
}

// flashFile writes the merged image at path to the device on portFlag, or
// the first device found. When chip is set the detected device must match.
func flashFile(ctx context.Context, cmd *cobra.Command, path, chip string) error {
	out := cmd.OutOrStdout()
	log := logging.Runtime(verboseFlag)

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read merged image: %w", err)
	}
	fmt.Fprintf(out, "Image: %s (%s)\n", path, humanize.IBytes(uint64(len(image))))

	portName := portFlag
	if portName == "" {
		fmt.Fprintln(out, "Detecting device...")
		result, err := detect.New(baudFlag, log).First(ctx)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Fprintf(out, "Found %s on %s\n", result.ChipName, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()
	fmt.Fprintf(out, "Port: %s @ %d baud\n", portName, baudFlag)

	f := flasher.New(port, log)
	fmt.Fprintln(out, "Connecting to bootloader...")
	if err := f.Connect(ctx); err != nil {
		return err
	}

	if chip != "" {
		id, err := f.ChipID(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("chip check skipped")
		} else {
			device := detect.Result{ChipID: id, ChipName: protocol.ChipName(id), ChipArg: protocol.ChipArg(id)}
			if !device.Matches(chip) {
				return fmt.Errorf("device on %s is %s, image is for %s", portName, device.ChipName, chip)
			}
		}
	}

	regions := []flasher.Region{{
		Name:    "merged",
		Address: protocol.MergedImageAddress,
		Data:    image,
	}}

	bar := progressbar.NewOptions(flasher.Blocks(regions),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	if err := f.FlashRegions(ctx, regions, verifyFlag); err != nil {
		return err
	}
	bar.Finish()
	fmt.Fprintln(out, "Flash complete!")

	fmt.Fprintln(out, "Rebooting device...")
	if err := f.Reboot(); err != nil {
		log.Warn().Err(err).Msg("reboot failed")
	}
	fmt.Fprintln(out, "Done!")
	return nil
}
