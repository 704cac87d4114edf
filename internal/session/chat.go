package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/transcript"
)

type chatCaption struct {
	Text                string            `json:"text"`
	ParticipantIdentity string            `json:"participant_identity"`
	Translations        map[string]string `json:"translations"`
}

// chatBroadcaster posts each live caption into the voice channel's text chat.
type chatBroadcaster struct {
	discord   discord.Client
	channelID string
}

func newChatBroadcaster(dc discord.Client, channelID string) *chatBroadcaster {
	return &chatBroadcaster{discord: dc, channelID: channelID}
}

func (c *chatBroadcaster) PublishData(_ context.Context, topic string, payload []byte) error {
	if topic != transcript.Topic {
		return nil
	}
	var msg chatCaption
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode live caption: %w", err)
	}
	content := formatChatCaption(msg)
	if content == "" {
		return nil
	}
	return c.discord.SendChannelMessage(c.channelID, content)
}

func formatChatCaption(msg chatCaption) string {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return ""
	}
	lines := make([]string, 0, 1+len(msg.Translations))
	if msg.ParticipantIdentity != "" {
		lines = append(lines, fmt.Sprintf("<@%s>: %s", msg.ParticipantIdentity, text))
	} else {
		lines = append(lines, text)
	}
	languages := make([]string, 0, len(msg.Translations))
	for lang := range msg.Translations {
		languages = append(languages, lang)
	}
	slices.Sort(languages)
	for _, lang := range languages {
		if translated := strings.TrimSpace(msg.Translations[lang]); translated != "" {
			lines = append(lines, fmt.Sprintf("-# %s: %s", lang, translated))
		}
	}
	return strings.Join(lines, "\n")
}
