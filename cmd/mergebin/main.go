package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bigbag/esp-mergebin/internal/detect"
	"github.com/bigbag/esp-mergebin/internal/logging"
	"github.com/bigbag/esp-mergebin/internal/mergehook"
	"github.com/bigbag/esp-mergebin/internal/protocol"
	"github.com/bigbag/esp-mergebin/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var verboseFlag bool

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, newRootCmd())
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *mergehook.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Status
	}
	return 1
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mergebin",
		Short: "Merge ESP32 build images into a single flashable binary",
		Long: `mergebin runs after the application binary of an ESP32 build is produced.
It invokes esptool merge_bin with the bootloader, partition table and any
extra images followed by the application, writing one merged binary that
can be flashed at offset 0x0.

The output path is MERGED_BIN_PATH when set, otherwise
<build_dir>/<project name>.merged.bin.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mergebin %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show connected ESP32 devices",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate")

	rootCmd.AddCommand(newMergeCmd(), newFlashCmd(), infoCmd, listCmd, versionCmd)

	return rootCmd
}

// execute runs root and prints any error except a merge tool failure,
// whose own output already explains it.
func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	var exitErr *mergehook.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(root.ErrOrStderr(), "mergebin: %v\n", err)
	}
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found")
		return nil
	}

	fmt.Fprintln(out, "Available serial ports:")
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(out, "  %s (USB %s:%s %s)\n", p.Name, p.VID, p.PID, p.Product)
			continue
		}
		fmt.Fprintf(out, "  %s\n", p.Name)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	log := logging.Runtime(verboseFlag)
	d := detect.New(baudFlag, log)
	out := cmd.OutOrStdout()

	if portFlag != "" {
		result, err := d.Probe(cmd.Context(), portFlag)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(cmd, result)
		return nil
	}

	fmt.Fprintln(out, "Scanning for ESP32 devices...")
	devices, err := d.All(cmd.Context())
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "No ESP32 devices found")
		return nil
	}

	fmt.Fprintf(out, "Found %d device(s):\n\n", len(devices))
	for i := range devices {
		fmt.Fprintf(out, "Device %d:\n", i+1)
		printDeviceInfo(cmd, &devices[i])
		fmt.Fprintln(out)
	}
	return nil
}

func printDeviceInfo(cmd *cobra.Command, d *detect.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  Port:     %s\n", d.Port)
	fmt.Fprintf(out, "  Chip:     %s\n", d.ChipName)
	if d.ChipID != 0 {
		fmt.Fprintf(out, "  Chip ID:  0x%02X\n", d.ChipID)
	}
	if d.ChipArg != "" {
		fmt.Fprintf(out, "  --chip:   %s\n", d.ChipArg)
	}
}
