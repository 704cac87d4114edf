package translator

import (
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/translator"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (translator.Translator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewOpenAITranslator(cfg.OpenAIAPIKey, cfg.OpenAITranslationModel, cfg.OpenAIBaseURL), nil
	})
}
