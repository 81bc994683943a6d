package main

import (
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	chatws "github.com/design-smith/muntu-chatws"
)

// loadConfig reads a TOML file on top of the defaults. Durations are written as
// strings, e.g. connect_timeout = "5s".
func loadConfig(path string) (chatws.Config, error) {
	cfg := chatws.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return chatws.Config{}, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return chatws.Config{}, errors.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg.WithDefaults(), nil
}
