package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// EnvPrefix is the prefix of environment variables that override the file.
// Nesting uses a double underscore, e.g. FLARELAB_SERIAL__PORT=/dev/ttyUSB1
const EnvPrefix = "FLARELAB_"

// NewKoanf returns a koanf instance layered as defaults <- file <- environment.
// A missing file is not an error; the defaults and environment still apply.
func NewKoanf(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, err
	}
	if path != "" {
		var parser koanf.Parser = yaml.Parser()
		if strings.EqualFold(filepath.Ext(path), ".json") {
			parser = json.Parser()
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
				return nil, err
			}
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	return k, err
}

// Load reads a configuration file (YAML or JSON by extension) on top of the
// defaults and environment, and unmarshals it.  It does not validate.
func Load(path string) (Config, error) {
	c := Config{}
	k, err := NewKoanf(path)
	if err != nil {
		return c, err
	}
	err = k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf"})
	if err != nil {
		return c, err
	}
	// relative output roots are relative to the config file, not the cwd
	if path != "" && c.OutputRoot != "" && !filepath.IsAbs(c.OutputRoot) {
		c.OutputRoot = filepath.Join(filepath.Dir(path), c.OutputRoot)
	}
	for i := range c.Analysis.ROIs {
		if c.Analysis.ROIs[i].HalfWidth == 0 {
			c.Analysis.ROIs[i].HalfWidth = c.Analysis.DefaultHalfWidth
		}
	}
	return c, nil
}
