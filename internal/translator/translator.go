package translator

import "context"

// Translator translates text into each target language. Callers must not call
// it with an empty language list; that case is a no-op handled upstream.
type Translator interface {
	Translate(ctx context.Context, text string, targetLanguages []string) (map[string]string, error)
}
