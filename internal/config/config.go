package config

import (
	"fmt"
	"time"
)

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"

	STTEngineGoogle   = "google"
	STTEngineDeepgram = "deepgram"
)

type Config struct {
	Env      string
	HTTPAddr string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	DefaultSTTEngine           string
	DefaultTranscribeLanguage  string
	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string
	DeepgramAPIKey             string
	DeepgramModel              string
	SpeakerSTTConfigFile       string

	TranslationLanguages   []string
	OpenAIAPIKey           string
	OpenAITranslationModel string
	OpenAIBaseURL          string

	DiscordToken         string
	DiscordGuildID       string
	DiscordAutoCaption   bool
	DiscordAutoCaptionVC string

	CaptionBucket             string
	CaptionPublicBaseURL      string
	CaptionSegmentDurationSec float64
	CaptionMaxSegments        int
	CaptionUploadInterval     time.Duration
	CaptionRetryBackoff       time.Duration

	RedisURL             string
	TranscriptWebhookURL string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.DatabaseDriver {
	case DatabaseDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER=postgres")
		}
	case DatabaseDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DatabaseDriverPostgres, DatabaseDriverSQLite, c.DatabaseDriver)
	}
	switch c.DefaultSTTEngine {
	case STTEngineGoogle:
		if c.GoogleCloudProjectID == "" || c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID and GOOGLE_CLOUD_CREDENTIALS_JSON are required when DEFAULT_STT_ENGINE=google")
		}
	case STTEngineDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when DEFAULT_STT_ENGINE=deepgram")
		}
	default:
		return fmt.Errorf("DEFAULT_STT_ENGINE must be %q or %q, got %q", STTEngineGoogle, STTEngineDeepgram, c.DefaultSTTEngine)
	}
	if len(c.TranslationLanguages) > 0 && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when TRANSLATION_LANGUAGES is set")
	}
	if c.DiscordAutoCaption && c.DiscordAutoCaptionVC == "" {
		return fmt.Errorf("DISCORD_AUTO_CAPTION_VC_ID is required when DISCORD_AUTO_CAPTION=true")
	}
	if c.CaptionSegmentDurationSec <= 0 {
		return fmt.Errorf("CAPTION_SEGMENT_DURATION_SEC must be positive, got %v", c.CaptionSegmentDurationSec)
	}
	if c.CaptionMaxSegments <= 0 {
		return fmt.Errorf("CAPTION_MAX_SEGMENTS must be positive, got %d", c.CaptionMaxSegments)
	}
	if c.CaptionUploadInterval <= 0 {
		return fmt.Errorf("CAPTION_UPLOAD_INTERVAL must be positive, got %s", c.CaptionUploadInterval)
	}
	if c.CaptionRetryBackoff <= 0 {
		return fmt.Errorf("CAPTION_RETRY_BACKOFF must be positive, got %s", c.CaptionRetryBackoff)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "DEFAULT_TRANSCRIBE_LANGUAGE", value: c.DefaultTranscribeLanguage},
		{name: "DISCORD_TOKEN", value: c.DiscordToken},
		{name: "DISCORD_GUILD_ID", value: c.DiscordGuildID},
		{name: "CAPTION_BUCKET", value: c.CaptionBucket},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// TranslationEnabled reports whether any translation target is configured.
func (c *Config) TranslationEnabled() bool {
	return len(c.TranslationLanguages) > 0
}
