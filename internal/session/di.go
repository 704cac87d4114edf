package session

import (
	"github.com/foxseedlab/livecaption/internal/audio"
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/delivery"
	"github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"github.com/foxseedlab/livecaption/internal/registry"
	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/server"
	"github.com/foxseedlab/livecaption/internal/translator"
	"github.com/foxseedlab/livecaption/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		deps := Dependencies{
			Config:         cfg,
			Repository:     do.MustInvoke[repository.Repository](i),
			Discord:        do.MustInvoke[discord.Client](i),
			Recognizer:     do.MustInvoke[recognizer.Engines](i),
			Defaults:       do.MustInvoke[recognizer.Defaults](i),
			SpeakerConfigs: do.MustInvoke[recognizer.SpeakerConfigs](i),
			Registry:       do.MustInvoke[registry.Registry](i),
			Publisher:      do.MustInvoke[delivery.SessionPublisher](i),
			Broadcasters:   do.MustInvoke[*server.Hub](i),
			Webhook:        do.MustInvoke[webhook.Sender](i),
			NewSource:      do.MustInvoke[audio.SourceFactory](i),
		}
		if cfg.TranslationEnabled() {
			deps.Translator = do.MustInvoke[translator.Translator](i)
		}
		return NewManager(deps), nil
	})
}
