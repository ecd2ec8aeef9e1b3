package analyzer

import (
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
)

// Config selects an analyzer variant and carries its attributes. Attributes shared by every
// variant are described by CommonAttributes; the rest belong to the variant's own config.
type Config struct {
	Type       Type                   `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// CommonAttributes apply to every variant.
type CommonAttributes struct {
	// FrameSkip runs the model on every Nth call only and repeats the previous result otherwise.
	FrameSkip     int      `json:"frame_skip,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	IgnoreLabels  []string `json:"ignore_labels,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg Config) Validate(path string) error {
	if cfg.Type == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "type")
	}
	if _, _, err := cfg.decode(); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

func (cfg Config) variantConfig() (interface{}, error) {
	switch cfg.Type {
	case TypeNone:
		return &struct{}{}, nil
	case TypeSimple:
		conf := DefaultSimpleConfig()
		return &conf, nil
	case TypeColor:
		conf := DefaultColorConfig()
		return &conf, nil
	case TypeRemote:
		conf := DefaultRemoteConfig()
		return &conf, nil
	default:
		return nil, NewTypeNotImplementedError(string(cfg.Type))
	}
}

// decode splits the attributes into the common part and the variant part. A key that neither
// part understands is an error.
func (cfg Config) decode() (CommonAttributes, interface{}, error) {
	var common CommonAttributes
	variant, err := cfg.variantConfig()
	if err != nil {
		return common, nil, err
	}

	commonUnused, err := decodeAttributes(cfg.Attributes, &common)
	if err != nil {
		return common, nil, errors.Wrap(err, "decode common analyzer attributes")
	}
	variantUnused, err := decodeAttributes(cfg.Attributes, variant)
	if err != nil {
		return common, nil, errors.Wrapf(err, "decode %s analyzer attributes", cfg.Type)
	}
	if unknown := lo.Intersect(commonUnused, variantUnused); len(unknown) > 0 {
		sort.Strings(unknown)
		return common, nil, errors.Errorf("unknown attributes for %s analyzer: %s", cfg.Type, strings.Join(unknown, ", "))
	}

	if common.FrameSkip < 0 {
		return common, nil, errors.New("frame_skip must be >= 0")
	}
	if common.MinConfidence < 0 || common.MinConfidence > 1 {
		return common, nil, errors.New("min_confidence must be between 0 and 1")
	}
	if v, ok := variant.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return common, nil, err
		}
	}
	return common, variant, nil
}

func decodeAttributes(attributes map[string]interface{}, out interface{}) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}
	return md.Unused, nil
}

// AttributeSchemas returns JSON schemas for the common attributes and for the variant's own
// attributes.
func AttributeSchemas(t Type) (map[string]*jsonschema.Schema, error) {
	variant, err := Config{Type: t}.variantConfig()
	if err != nil {
		return nil, err
	}
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	return map[string]*jsonschema.Schema{
		"common":  reflector.Reflect(&CommonAttributes{}),
		string(t): reflector.Reflect(variant),
	}, nil
}

// SimpleConfig configures the dark blob detector.
type SimpleConfig struct {
	// Threshold is the gray level (0-255) below which a pixel counts as dark.
	Threshold float64 `json:"threshold"`
	MinArea   int     `json:"min_area"`
	Label     string  `json:"label"`
}

// DefaultSimpleConfig returns the simple detector defaults.
func DefaultSimpleConfig() SimpleConfig {
	return SimpleConfig{Threshold: 80, MinArea: 100, Label: "object"}
}

func (c *SimpleConfig) validate() error {
	if c.Threshold < 0 || c.Threshold > 255 {
		return errors.New("threshold must be between 0 and 255")
	}
	if c.MinArea < 0 {
		return errors.New("min_area must be >= 0")
	}
	return nil
}

// ColorConfig configures the hue detector.
type ColorConfig struct {
	Hue              float64 `json:"hue"`
	HueTolerance     float64 `json:"hue_tolerance"`
	SaturationCutoff float64 `json:"saturation_cutoff"`
	ValueCutoff      float64 `json:"value_cutoff"`
	MinArea          int     `json:"min_area"`
	Label            string  `json:"label"`
}

// DefaultColorConfig returns the color detector defaults, which look for red.
func DefaultColorConfig() ColorConfig {
	return ColorConfig{
		Hue:              0,
		HueTolerance:     10,
		SaturationCutoff: 0.3,
		ValueCutoff:      0.2,
		MinArea:          100,
		Label:            "color",
	}
}

func (c *ColorConfig) validate() error {
	if c.Hue < 0 || c.Hue >= 360 {
		return errors.New("hue must be in [0, 360)")
	}
	if c.HueTolerance <= 0 || c.HueTolerance > 180 {
		return errors.New("hue_tolerance must be in (0, 180]")
	}
	if c.SaturationCutoff < 0 || c.SaturationCutoff > 1 {
		return errors.New("saturation_cutoff must be between 0 and 1")
	}
	if c.ValueCutoff < 0 || c.ValueCutoff > 1 {
		return errors.New("value_cutoff must be between 0 and 1")
	}
	return nil
}

// RemoteConfig configures the HTTP inference client.
type RemoteConfig struct {
	URL        string        `json:"url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	Prompt     string        `json:"prompt,omitempty"`
	// MaxRPS bounds requests per second; 0 means unbounded.
	MaxRPS float64 `json:"max_rps,omitempty"`
}

// DefaultRemoteConfig returns the remote analyzer defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{Timeout: 5 * time.Second, MaxRetries: 2}
}

func (c *RemoteConfig) validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return errors.Errorf("url must be http or https, got %q", c.URL)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.MaxRPS < 0 {
		return errors.New("max_rps must be >= 0")
	}
	return nil
}
