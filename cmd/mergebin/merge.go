package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bigbag/esp-mergebin/internal/buildcfg"
	"github.com/bigbag/esp-mergebin/internal/logging"
	"github.com/bigbag/esp-mergebin/internal/mergehook"
	"github.com/bigbag/esp-mergebin/internal/postbuild"
	"github.com/bigbag/esp-mergebin/internal/protocol"
)

// mergeOptions holds the merge command flags. Flags left unset do not
// override the configuration file.
type mergeOptions struct {
	configPath  string
	chip        string
	buildDir    string
	projectDir  string
	progName    string
	appOffset   string
	mergeTool   string
	interpreter string
	extraImages []string
	dryRun      bool
	flash       bool
}

func newMergeCmd() *cobra.Command {
	cmd, _ := newMergeCmdWithOptions()
	return cmd
}

func newMergeCmdWithOptions() (*cobra.Command, *mergeOptions) {
	opts := &mergeOptions{}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge build images with esptool merge_bin",
		Long: `Merge the extra images (bootloader, partitions, ...) and the application
binary into one image by running:

  <interpreter> <merge-tool> --chip <mcu> merge_bin --output <path> <offset> <file>...

Extra images come first in configured order; the application image
<build_dir>/<prog_name>.bin at app_offset is always last. The command exits
with the merge tool's exit status.

Image offsets and paths may reference $BUILD_DIR, $PROJECT_DIR, $PROGNAME,
$BOARD_MCU and $APP_OFFSET.`,
		Example: `  mergebin merge --config mergebin.toml
  mergebin merge --chip esp32s3 --build-dir .pio/build/s3 --project-dir . \
    --merge-tool esptool.py --interpreter python3 \
    --extra-image 0x0='$BUILD_DIR/bootloader.bin' \
    --extra-image 0x8000='$BUILD_DIR/partitions.bin'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Build configuration file (.toml, .yaml)")
	f.StringVar(&opts.chip, "chip", "", "Target chip passed to --chip (board_mcu)")
	f.StringVar(&opts.buildDir, "build-dir", "", "Build output directory")
	f.StringVar(&opts.projectDir, "project-dir", "", "Project directory; its name names the merged file")
	f.StringVar(&opts.progName, "prog-name", "", "Application program name (default \"firmware\")")
	f.StringVar(&opts.appOffset, "app-offset", "", "Application flash offset (default "+buildcfg.DefaultAppOffset+")")
	f.StringVar(&opts.mergeTool, "merge-tool", "", "Path to esptool.py or the esptool executable")
	f.StringVar(&opts.interpreter, "interpreter", "", "Interpreter used to run the merge tool, e.g. python3")
	f.StringArrayVarP(&opts.extraImages, "extra-image", "i", nil, "Extra image as offset=path (repeatable, in flash order)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Print the merge command without running it")
	f.BoolVar(&opts.flash, "flash", false, "Flash the merged image after a successful merge")
	f.StringVarP(&portFlag, "port", "p", "", "Serial port for --flash (auto-detect if not specified)")
	f.IntVarP(&baudFlag, "baud", "b", protocol.DefaultBaudRate, "Baud rate for --flash")
	f.BoolVar(&verifyFlag, "verify", true, "Verify after flashing")

	return cmd, opts
}

// resolveConfig builds the configuration from defaults, the optional file
// and the flags that were set.
func resolveConfig(flags *pflag.FlagSet, opts *mergeOptions) (buildcfg.Config, error) {
	cfg := buildcfg.Default()
	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			return buildcfg.Config{}, err
		}
	}

	overrides := []struct {
		flag  string
		value string
		dst   *string
	}{
		{"chip", opts.chip, &cfg.BoardMCU},
		{"build-dir", opts.buildDir, &cfg.BuildDir},
		{"project-dir", opts.projectDir, &cfg.ProjectDir},
		{"prog-name", opts.progName, &cfg.ProgName},
		{"app-offset", opts.appOffset, &cfg.AppOffset},
		{"merge-tool", opts.mergeTool, &cfg.MergeTool},
		{"interpreter", opts.interpreter, &cfg.Interpreter},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.dst = strings.TrimSpace(o.value)
		}
	}

	if flags.Changed("extra-image") {
		cfg.ExtraImages = cfg.ExtraImages[:0:0]
		for _, raw := range opts.extraImages {
			img, err := buildcfg.ParseImage(raw)
			if err != nil {
				return buildcfg.Config{}, err
			}
			cfg.ExtraImages = append(cfg.ExtraImages, img)
		}
	}

	if err := cfg.Validate(); err != nil {
		return buildcfg.Config{}, fmt.Errorf("invalid build configuration: %w", err)
	}
	return cfg, nil
}

func runMerge(cmd *cobra.Command, opts *mergeOptions) error {
	cfg, err := resolveConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}

	log := logging.Runtime(verboseFlag)
	hook := mergehook.New(cfg, log)
	out := cmd.OutOrStdout()

	if opts.dryRun {
		argv, err := hook.Plan()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, quoteCommand(argv))
		return nil
	}

	// Tool output is streamed in verbose mode; otherwise a spinner runs and
	// the output is only shown when the merge fails.
	var captured bytes.Buffer
	if !verboseFlag {
		hook.Stdout = &captured
		hook.Stderr = &captured
	}

	merge := hook.Action()
	if !verboseFlag {
		merge = withSpinner(merge, cmd.ErrOrStderr(), "Merging "+cfg.BoardMCU+" images")
	}

	output := hook.Output()
	registry := postbuild.NewRegistry()
	target := cfg.AppPath()
	registry.Add(target, merge)
	registry.Add(target, func(context.Context, string) error {
		if info, err := os.Stat(output); err == nil {
			fmt.Fprintf(out, "Merged: %s (%s)\n", output, humanize.IBytes(uint64(info.Size())))
		} else {
			fmt.Fprintf(out, "Merged: %s\n", output)
		}
		return nil
	})
	if opts.flash {
		registry.Add(target, func(ctx context.Context, _ string) error {
			return flashFile(ctx, cmd, output, cfg.BoardMCU)
		})
	}

	err = registry.Finalize(cmd.Context(), target)
	var exitErr *mergehook.ExitError
	if errors.As(err, &exitErr) && captured.Len() > 0 {
		io.Copy(cmd.ErrOrStderr(), &captured)
	}
	return err
}

// quoteCommand renders argv so that it splits back into the same words.
func quoteCommand(argv []string) string {
	return shellquote.Join(argv...)
}

// withSpinner animates an indeterminate spinner on w while action runs.
func withSpinner(action postbuild.Action, w io.Writer, description string) postbuild.Action {
	return func(ctx context.Context, target string) error {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)

		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					bar.Add(1)
				}
			}
		}()

		err := action(ctx, target)
		close(done)
		bar.Finish()
		return err
	}
}
