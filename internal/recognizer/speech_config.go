package recognizer

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindCustom  Kind = "custom"
	KindModel   Kind = "model"
)

const defaultDescriptorLanguage = "en"

// SpeechConfig is the per-speaker recognition setting as written in the
// speaker config file. Exactly one shape applies, selected by Kind:
//
//	builtin: default engine, optional Model and Language
//	custom:  named Engine plus feature flags
//	model:   Descriptor of the form "engine/model:language"
type SpeechConfig struct {
	Kind           Kind   `yaml:"kind"`
	Engine         string `yaml:"engine,omitempty"`
	Model          string `yaml:"model,omitempty"`
	Language       string `yaml:"language,omitempty"`
	Descriptor     string `yaml:"descriptor,omitempty"`
	InterimResults *bool  `yaml:"interim_results,omitempty"`
	Punctuate      *bool  `yaml:"punctuate,omitempty"`
}

// SpeakerConfigs maps a participant identity to its speech config.
type SpeakerConfigs map[string]SpeechConfig

// Defaults fill whatever a SpeechConfig leaves unset.
type Defaults struct {
	Engine     string
	Models     map[string]string
	Language   string
	SampleRate int
	Channels   int
}

func (d Defaults) model(engine string) string {
	return d.Models[engine]
}

// Resolve turns a tagged speaker config into a concrete stream config. A zero
// SpeechConfig resolves to the builtin defaults.
func Resolve(sc SpeechConfig, d Defaults) (Config, error) {
	cfg := Config{
		Language:   d.Language,
		Features:   Features{InterimResults: true, Punctuate: true},
		SampleRate: d.SampleRate,
		Channels:   d.Channels,
	}
	switch sc.Kind {
	case "", KindBuiltin:
		cfg.Engine = d.Engine
		cfg.Model = firstNonEmpty(sc.Model, d.model(d.Engine))
		cfg.Language = firstNonEmpty(sc.Language, d.Language)
	case KindCustom:
		engine := strings.TrimSpace(sc.Engine)
		if engine == "" {
			return Config{}, fmt.Errorf("%w: custom config requires an engine", ErrUnsupportedConfig)
		}
		cfg.Engine = engine
		cfg.Model = firstNonEmpty(sc.Model, d.model(engine))
		cfg.Language = firstNonEmpty(sc.Language, d.Language)
		if sc.InterimResults != nil {
			cfg.Features.InterimResults = *sc.InterimResults
		}
		if sc.Punctuate != nil {
			cfg.Features.Punctuate = *sc.Punctuate
		}
	case KindModel:
		engine, model, language, err := ParseDescriptor(sc.Descriptor, d.Engine)
		if err != nil {
			return Config{}, err
		}
		cfg.Engine = engine
		cfg.Model = model
		cfg.Language = language
	default:
		return Config{}, fmt.Errorf("%w: kind %q", ErrUnsupportedConfig, sc.Kind)
	}
	if cfg.Engine == "" {
		return Config{}, fmt.Errorf("%w: no engine", ErrUnsupportedConfig)
	}
	return cfg, nil
}

// ParseDescriptor splits "engine/model:language". The engine part falls back
// to defaultEngine and the language to "en".
func ParseDescriptor(descriptor, defaultEngine string) (engine, model, language string, err error) {
	rest := strings.TrimSpace(descriptor)
	engine = defaultEngine
	if before, after, ok := strings.Cut(rest, "/"); ok {
		engine = strings.TrimSpace(before)
		rest = after
	}
	model, language, _ = strings.Cut(rest, ":")
	model = strings.TrimSpace(model)
	language = strings.TrimSpace(language)
	if model == "" || engine == "" {
		return "", "", "", fmt.Errorf("%w: descriptor %q", ErrUnsupportedConfig, descriptor)
	}
	if language == "" {
		language = defaultDescriptorLanguage
	}
	return engine, model, language, nil
}

// WithLanguage overrides the recognition language. An empty lang keeps it.
func (c Config) WithLanguage(lang string) Config {
	if lang = strings.TrimSpace(lang); lang != "" {
		c.Language = lang
	}
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
