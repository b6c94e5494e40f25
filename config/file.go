package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadFile decodes a TOML file over the defaults established by NewConfig.
func LoadFile(path string, opts ...Option) (*Config, error) {
	c := NewConfig(opts...)
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: error decoding %s: %w", path, err)
	}
	return c, nil
}
