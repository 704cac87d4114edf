package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/samber/do/v2"
	"gopkg.in/yaml.v3"
)

type speakerFile struct {
	Speakers map[string]recognizer.SpeechConfig `yaml:"speakers"`
}

// LoadSpeakerConfigs reads per-speaker recognition settings. A missing path or
// file yields an empty set.
func LoadSpeakerConfigs(path string) (recognizer.SpeakerConfigs, error) {
	configs := recognizer.SpeakerConfigs{}
	if path == "" {
		return configs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return configs, nil
		}
		return nil, fmt.Errorf("read speaker config file: %w", err)
	}
	var file speakerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse speaker config file: %w", err)
	}
	for identity, sc := range file.Speakers {
		switch sc.Kind {
		case "", recognizer.KindBuiltin, recognizer.KindCustom, recognizer.KindModel:
		default:
			return nil, fmt.Errorf("speaker %q: %w: kind %q", identity, recognizer.ErrUnsupportedConfig, sc.Kind)
		}
		configs[identity] = sc
	}
	return configs, nil
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (recognizer.SpeakerConfigs, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return LoadSpeakerConfigs(cfg.SpeakerSTTConfigFile)
	})
}
