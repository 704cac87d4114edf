package recognizer

import (
	"log/slog"

	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (recognizer.Engines, error) {
		cfg := do.MustInvoke[*config.Config](i)
		engines := recognizer.Engines{}
		if cfg.GoogleCloudProjectID != "" && cfg.GoogleCloudCredentialsJSON != "" {
			engines[EngineGoogle] = NewCloudSpeechRecognizer(CloudSpeechConfig{
				ProjectID:       cfg.GoogleCloudProjectID,
				CredentialsJSON: cfg.GoogleCloudCredentialsJSON,
				Location:        cfg.GoogleCloudSpeechLocation,
				Model:           cfg.GoogleCloudSpeechModel,
			})
		}
		if cfg.DeepgramAPIKey != "" {
			engines[EngineDeepgram] = NewDeepgramRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramModel)
		}
		slog.Info("speech engines registered", "count", len(engines), "default", cfg.DefaultSTTEngine)
		return engines, nil
	})

	do.Provide(injector, func(i do.Injector) (recognizer.Defaults, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return recognizer.Defaults{
			Engine: cfg.DefaultSTTEngine,
			Models: map[string]string{
				EngineGoogle:   cfg.GoogleCloudSpeechModel,
				EngineDeepgram: cfg.DeepgramModel,
			},
			Language:   cfg.DefaultTranscribeLanguage,
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
		}, nil
	})
}
