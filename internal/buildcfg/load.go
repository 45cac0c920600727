package buildcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	BoardMCU    *string `toml:"board_mcu" yaml:"board_mcu"`
	BuildDir    *string `toml:"build_dir" yaml:"build_dir"`
	ProjectDir  *string `toml:"project_dir" yaml:"project_dir"`
	ProgName    *string `toml:"prog_name" yaml:"prog_name"`
	AppOffset   *string `toml:"app_offset" yaml:"app_offset"`
	MergeTool   *string `toml:"merge_tool" yaml:"merge_tool"`
	Interpreter *string `toml:"interpreter" yaml:"interpreter"`
	ExtraImages []Image `toml:"extra_images" yaml:"extra_images"`
}

// Load reads a TOML or YAML configuration file on top of Default.
// Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.LoadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the keys present in path onto c.
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	extraDefined := false

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fmt.Errorf("load build config: %w", err)
		}
		extraDefined = meta.IsDefined("extra_images")
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load build config: %w", err)
		}
		var probe map[string]any
		if err := yaml.Unmarshal(data, &probe); err != nil {
			return fmt.Errorf("load build config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("load build config: %w", err)
		}
		_, extraDefined = probe["extra_images"]
	default:
		return fmt.Errorf("load build config: unsupported file type %q", ext)
	}

	c.overlay(raw, extraDefined)
	return nil
}

func (c *Config) overlay(raw fileConfig, extraDefined bool) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&c.BoardMCU, raw.BoardMCU)
	set(&c.BuildDir, raw.BuildDir)
	set(&c.ProjectDir, raw.ProjectDir)
	set(&c.ProgName, raw.ProgName)
	set(&c.AppOffset, raw.AppOffset)
	set(&c.MergeTool, raw.MergeTool)
	set(&c.Interpreter, raw.Interpreter)

	if extraDefined {
		c.ExtraImages = make([]Image, 0, len(raw.ExtraImages))
		for _, img := range raw.ExtraImages {
			c.ExtraImages = append(c.ExtraImages, Image{
				Offset: strings.TrimSpace(img.Offset),
				Path:   strings.TrimSpace(img.Path),
			})
		}
	}
}

// ParseImage parses the "offset=path" form used on the command line.
func ParseImage(s string) (Image, error) {
	offset, path, ok := strings.Cut(s, "=")
	offset = strings.TrimSpace(offset)
	path = strings.TrimSpace(path)
	if !ok || offset == "" || path == "" {
		return Image{}, fmt.Errorf("invalid image %q: want offset=path", s)
	}
	return Image{Offset: offset, Path: path}, nil
}
