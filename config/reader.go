package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// Read reads a config from the given file, substituting environment variables first, and
// validates it. Fields missing from the file keep their defaults.
func Read(filePath string) (*Config, error) {
	return Load(filePath, Overrides{})
}

// Load reads the file at filePath, or starts from the defaults when it is empty, applies the
// overrides, and validates the result once. A file value that the overrides replace is never
// validated on its own.
func Load(filePath string, overrides Overrides) (*Config, error) {
	cfg := Default()
	path := "config"
	if filePath != "" {
		buf, err := envsubst.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read config file %q", filePath)
		}
		if err := decodeFrom(filePath, bytes.NewReader(buf), &cfg); err != nil {
			return nil, err
		}
		path = filePath
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromReader reads a config from the given reader and validates it. originalPath is only used
// in error messages.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeFrom(originalPath, r, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(originalPath); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFrom(originalPath string, r io.Reader, cfg *Config) error {
	var raw map[string]interface{}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return errors.Wrapf(err, "cannot parse config %q", originalPath)
	}
	if err := decodeOnto(raw, cfg); err != nil {
		return errors.Wrapf(err, "cannot decode config %q", originalPath)
	}
	return nil
}

// decodeOnto decodes raw over the values already in out. Unknown keys are errors so typos in
// the file are caught at startup.
func decodeOnto(raw map[string]interface{}, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
