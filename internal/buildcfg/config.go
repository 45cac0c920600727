// Package buildcfg holds the build configuration consumed by the merge hook.
//
// The values mirror the keys a PlatformIO/SCons ESP32 build exposes to extra
// scripts: BOARD_MCU, BUILD_DIR, PROJECT_DIR, PROGNAME, ESP32_APP_OFFSET,
// the esptool path, the Python interpreter and FLASH_EXTRA_IMAGES.
package buildcfg

import (
	"errors"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// DefaultAppOffset is the conventional ESP32 application partition offset.
const DefaultAppOffset = "0x10000"

// Image is one flashable segment: the flash offset token and the file path.
type Image struct {
	Offset string `toml:"offset" yaml:"offset"`
	Path   string `toml:"path" yaml:"path"`
}

// Config is the explicit build configuration passed into the merge hook.
type Config struct {
	BoardMCU    string
	BuildDir    string
	ProjectDir  string
	ProgName    string
	AppOffset   string
	MergeTool   string
	Interpreter string
	ExtraImages []Image
}

// Default returns a configuration with only the conventional defaults set.
func Default() Config {
	return Config{
		AppOffset: DefaultAppOffset,
		ProgName:  "firmware",
	}
}

// AppPath is the application binary the hook is attached to.
func (c Config) AppPath() string {
	return filepath.Join(c.BuildDir, c.ProgName+".bin")
}

// Vars returns the substitution table used by Expand.
func (c Config) Vars() map[string]string {
	return map[string]string{
		"BOARD_MCU":        c.BoardMCU,
		"BUILD_DIR":        c.BuildDir,
		"PROJECT_DIR":      c.ProjectDir,
		"PROGNAME":         c.ProgName,
		"APP_OFFSET":       c.AppOffset,
		"ESP32_APP_OFFSET": c.AppOffset,
	}
}

// Expand substitutes $NAME and ${NAME} references to configuration keys.
// Anything else, including unknown names and stray '$', is copied unchanged
// so the merge tool sees it verbatim.
func (c Config) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	vars := c.Vars()

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '$' {
			b.WriteByte(s[i])
			i++
			continue
		}
		name, n := varRef(s[i+1:])
		if v, ok := vars[name]; ok && n > 0 {
			b.WriteString(v)
			i += 1 + n
			continue
		}
		b.WriteByte('$')
		i++
	}
	return b.String()
}

// varRef parses the reference following a '$' and returns the name and the
// bytes it spans. n is 0 when s does not start with a well-formed reference.
func varRef(s string) (name string, n int) {
	if strings.HasPrefix(s, "{") {
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return "", 0
		}
		name = s[1:end]
		if identLen(name) != len(name) || name == "" {
			return "", 0
		}
		return name, end + 1
	}
	n = identLen(s)
	return s[:n], n
}

// identLen returns the length of the identifier at the start of s.
func identLen(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return i
		}
	}
	return len(s)
}

// Validate reports every missing key needed to form the merge command.
// The extra image list is not inspected.
func (c Config) Validate() error {
	var err error
	required := []struct {
		key   string
		value string
	}{
		{"board_mcu", c.BoardMCU},
		{"build_dir", c.BuildDir},
		{"project_dir", c.ProjectDir},
		{"prog_name", c.ProgName},
		{"app_offset", c.AppOffset},
		{"merge_tool", c.MergeTool},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			err = multierr.Append(err, errors.New("missing "+r.key))
		}
	}
	return err
}
