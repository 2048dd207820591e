// Package config loads .visage.toml, the engine's on-disk defaults
// file, the same way the teacher loads .sift.toml: a small struct
// decoded with go-toml/v2, with CLI flags always taking precedence
// over whatever the file says.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every setting the CLI can also override with a flag.
type Config struct {
	ModelDir   string `toml:"model_dir"`
	OrtLibPath string `toml:"ort_lib"`
	DataDir    string `toml:"data_dir"`
	Threads    int    `toml:"threads"`
	MaxFileKB  int    `toml:"max_file_kb"`
}

// Default returns the built-in fallback configuration, used when no
// .visage.toml is present.
func Default() Config {
	return Config{
		ModelDir:  "models/clip",
		DataDir:   defaultDataDir(),
		Threads:   0, // 0 = let internal/clip pick min(4, NumCPU)
		MaxFileKB: 51200,
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".visage"
	}
	return dir + "/visage"
}

// Load reads path (typically ".visage.toml" in the current directory)
// and overlays it onto Default(). A missing file is not an error — the
// defaults are used as-is, matching the teacher's tolerant config load.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
