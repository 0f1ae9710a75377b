package config

import (
	"errors"

	"github.com/knadh/koanf/maps"
)

var errReadBytes = errors.New("config: map provider has no byte form")

// mapProvider feeds dotted keys ("log.level") to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) { return nil, errReadBytes }

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(map[string]any(m), "."), nil
}
