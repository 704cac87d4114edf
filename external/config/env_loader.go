package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/livecaption/internal/config"
)

type envConfig struct {
	Env      string `env:"ENV" envDefault:"production"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/livecaption.db"`

	DefaultSTTEngine           string `env:"DEFAULT_STT_ENGINE" envDefault:"google"`
	DefaultTranscribeLanguage  string `env:"DEFAULT_TRANSCRIBE_LANGUAGE,required"`
	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`
	DeepgramAPIKey             string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel              string `env:"DEEPGRAM_MODEL" envDefault:"nova-2"`
	SpeakerSTTConfigFile       string `env:"SPEAKER_STT_CONFIG_FILE"`

	TranslationLanguages   []string `env:"TRANSLATION_LANGUAGES" envSeparator:","`
	OpenAIAPIKey           string   `env:"OPENAI_API_KEY"`
	OpenAITranslationModel string   `env:"OPENAI_TRANSLATION_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL          string   `env:"OPENAI_BASE_URL"`

	DiscordToken         string `env:"DISCORD_TOKEN,required"`
	DiscordGuildID       string `env:"DISCORD_GUILD_ID,required"`
	DiscordAutoCaption   bool   `env:"DISCORD_AUTO_CAPTION" envDefault:"false"`
	DiscordAutoCaptionVC string `env:"DISCORD_AUTO_CAPTION_VC_ID"`

	CaptionBucket             string        `env:"CAPTION_BUCKET,required"`
	CaptionPublicBaseURL      string        `env:"CAPTION_PUBLIC_BASE_URL"`
	CaptionSegmentDurationSec float64       `env:"CAPTION_SEGMENT_DURATION_SEC" envDefault:"4"`
	CaptionMaxSegments        int           `env:"CAPTION_MAX_SEGMENTS" envDefault:"100"`
	CaptionUploadInterval     time.Duration `env:"CAPTION_UPLOAD_INTERVAL" envDefault:"5s"`
	CaptionRetryBackoff       time.Duration `env:"CAPTION_RETRY_BACKOFF" envDefault:"5s"`

	RedisURL             string `env:"REDIS_URL"`
	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPAddr:                   raw.HTTPAddr,
		DatabaseDriver:             raw.DatabaseDriver,
		DatabaseURL:                raw.DatabaseURL,
		SQLitePath:                 raw.SQLitePath,
		DefaultSTTEngine:           raw.DefaultSTTEngine,
		DefaultTranscribeLanguage:  raw.DefaultTranscribeLanguage,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		DeepgramAPIKey:             raw.DeepgramAPIKey,
		DeepgramModel:              raw.DeepgramModel,
		SpeakerSTTConfigFile:       raw.SpeakerSTTConfigFile,
		TranslationLanguages:       raw.TranslationLanguages,
		OpenAIAPIKey:               raw.OpenAIAPIKey,
		OpenAITranslationModel:     raw.OpenAITranslationModel,
		OpenAIBaseURL:              raw.OpenAIBaseURL,
		DiscordToken:               raw.DiscordToken,
		DiscordGuildID:             raw.DiscordGuildID,
		DiscordAutoCaption:         raw.DiscordAutoCaption,
		DiscordAutoCaptionVC:       raw.DiscordAutoCaptionVC,
		CaptionBucket:              raw.CaptionBucket,
		CaptionPublicBaseURL:       raw.CaptionPublicBaseURL,
		CaptionSegmentDurationSec:  raw.CaptionSegmentDurationSec,
		CaptionMaxSegments:         raw.CaptionMaxSegments,
		CaptionUploadInterval:      raw.CaptionUploadInterval,
		CaptionRetryBackoff:        raw.CaptionRetryBackoff,
		RedisURL:                   raw.RedisURL,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
