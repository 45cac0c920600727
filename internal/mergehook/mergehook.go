// Package mergehook builds and runs the esptool merge_bin invocation that
// combines the bootloader, partition table, extra images and application
// binary into a single flashable file.
package mergehook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/bigbag/esp-mergebin/internal/buildcfg"
	"github.com/bigbag/esp-mergebin/internal/postbuild"
	"github.com/bigbag/esp-mergebin/internal/runner"
)

// EnvOutputPath overrides the merged output location when set and non-empty.
const EnvOutputPath = "MERGED_BIN_PATH"

// MergedSuffix is appended to the project name for the default output file.
const MergedSuffix = ".merged.bin"

// ExitError reports a merge tool that exited with a non-zero status.
type ExitError struct {
	Status int
	Err    error
}

func (e *ExitError) Error() string {
	var exitErr *exec.ExitError
	if e.Err != nil && !errors.As(e.Err, &exitErr) {
		return fmt.Sprintf("merge tool exited with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("merge tool exited with status %d", e.Status)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Images returns the extra images in configured order followed by the
// application image.
func Images(cfg buildcfg.Config) []buildcfg.Image {
	images := make([]buildcfg.Image, 0, len(cfg.ExtraImages)+1)
	for _, img := range cfg.ExtraImages {
		images = append(images, buildcfg.Image{
			Offset: cfg.Expand(img.Offset),
			Path:   cfg.Expand(img.Path),
		})
	}
	return append(images, buildcfg.Image{
		Offset: cfg.Expand(cfg.AppOffset),
		Path:   cfg.AppPath(),
	})
}

// OutputPath resolves the merged binary location. getenv may be nil, in which
// case os.Getenv is used.
func OutputPath(cfg buildcfg.Config, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvOutputPath); v != "" {
		return v
	}
	return filepath.Join(cfg.BuildDir, filepath.Base(cfg.ProjectDir)+MergedSuffix)
}

// Command returns the full argv: interpreter words, merge tool, fixed
// arguments, then offset/path pairs.
func Command(cfg buildcfg.Config, output string) ([]string, error) {
	var argv []string
	if cfg.Interpreter != "" {
		words, err := shlex.Split(cfg.Interpreter)
		if err != nil {
			return nil, fmt.Errorf("failed to split interpreter %q: %w", cfg.Interpreter, err)
		}
		argv = append(argv, words...)
	}

	argv = append(argv,
		cfg.MergeTool,
		"--chip", cfg.BoardMCU,
		"merge_bin",
		"--output", output,
	)
	for _, img := range Images(cfg) {
		argv = append(argv, img.Offset, img.Path)
	}
	return argv, nil
}

// Hook runs the merge once the application binary is built.
type Hook struct {
	Config buildcfg.Config
	Runner runner.Runner
	Getenv func(string) string
	Stdout io.Writer
	Stderr io.Writer
	Log    zerolog.Logger
}

// New creates a Hook that runs the merge tool on the local host.
func New(cfg buildcfg.Config, log zerolog.Logger) *Hook {
	return &Hook{
		Config: cfg,
		Runner: runner.ExecRunner{},
		Getenv: os.Getenv,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Log:    log,
	}
}

// Output is the merged file the hook writes.
func (h *Hook) Output() string {
	return OutputPath(h.Config, h.Getenv)
}

// Plan returns the command the hook would run.
func (h *Hook) Plan() ([]string, error) {
	return Command(h.Config, h.Output())
}

// Run executes the merge tool and waits for it. A non-zero status is
// returned as *ExitError.
func (h *Hook) Run(ctx context.Context) error {
	argv, err := h.Plan()
	if err != nil {
		return err
	}
	if len(argv) == 0 || argv[0] == "" {
		return fmt.Errorf("merge command is empty")
	}

	output := h.Output()
	h.Log.Info().
		Str("chip", h.Config.BoardMCU).
		Int("images", len(h.Config.ExtraImages)+1).
		Str("output", output).
		Msg("merging images")
	h.Log.Debug().Strs("argv", argv).Msg("merge command")

	r := h.Runner
	if r == nil {
		r = runner.ExecRunner{}
	}
	status, err := r.Run(ctx, argv[0], argv[1:], h.Stdout, h.Stderr)
	if status != 0 {
		h.Log.Error().Int("status", status).Err(err).Msg("merge failed")
		return &ExitError{Status: status, Err: err}
	}
	if err != nil {
		return fmt.Errorf("merge tool failed: %w", err)
	}

	if info, err := os.Stat(output); err == nil {
		h.Log.Info().
			Str("output", output).
			Str("size", humanize.IBytes(uint64(info.Size()))).
			Msg("merged image written")
	} else {
		h.Log.Debug().Err(err).Str("output", output).Msg("merged image not found after merge")
	}
	return nil
}

// Action adapts the hook to a post-build action.
func (h *Hook) Action() postbuild.Action {
	return func(ctx context.Context, target string) error {
		h.Log.Debug().Str("target", target).Msg("post-build merge")
		return h.Run(ctx)
	}
}

// Register attaches the hook to the application binary of its config.
func (h *Hook) Register(r *postbuild.Registry) string {
	target := h.Config.AppPath()
	r.Add(target, h.Action())
	return target
}
